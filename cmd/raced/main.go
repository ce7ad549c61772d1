// raced - Driftline race server
// Authoritative matchmaking, simulation, and keep-alive over websocket and
// WebTransport listeners sharing one port.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/logging"
	"github.com/quic-go/quic-go/qlog"
	"github.com/quic-go/webtransport-go"

	"driftline/internal/raceserver"
)

// BufferedWriteCloser buffers writes and flushes on close
type BufferedWriteCloser struct {
	*bufio.Writer
	closer io.Closer
}

func NewBufferedWriteCloser(writer *bufio.Writer, closer io.Closer) *BufferedWriteCloser {
	return &BufferedWriteCloser{
		Writer: writer,
		closer: closer,
	}
}

func (b *BufferedWriteCloser) Close() error {
	if err := b.Writer.Flush(); err != nil {
		return err
	}
	return b.closer.Close()
}

var (
	listenAddr = flag.String("listen", ":9780", "Listen address")
	certFile   = flag.String("cert", "cert.pem", "TLS certificate file")
	keyFile    = flag.String("key", "key.pem", "TLS key file")
	secret     = flag.String("secret", "", "Session secret for rejoin tokens")
	trackFile  = flag.String("tracks", "", "Track catalog YAML file (built-in catalog if empty)")
)

func main() {
	flag.Parse()

	log.Printf("Driftline race server starting")

	// Support $PORT or $LISTEN_ADDR environment variables
	if envPort := os.Getenv("PORT"); envPort != "" {
		*listenAddr = "0.0.0.0:" + envPort
		log.Printf("Config: Using PORT environment variable: %s", *listenAddr)
	} else if envAddr := os.Getenv("LISTEN_ADDR"); envAddr != "" {
		*listenAddr = envAddr
		log.Printf("Config: Using LISTEN_ADDR environment variable: %s", *listenAddr)
	} else {
		if strings.HasPrefix(*listenAddr, ":") {
			*listenAddr = "0.0.0.0" + *listenAddr
		}
		log.Printf("Config: Using default/flag listen address: %s", *listenAddr)
	}

	if envSecret := os.Getenv("SESSION_SECRET"); envSecret != "" && *secret == "" {
		*secret = envSecret
	}
	domainEnv := os.Getenv("DOMAIN")

	// Support $SSL_CERT_FILE and $SSL_KEY_FILE for platform managed certs
	if envCert := os.Getenv("SSL_CERT_FILE"); envCert != "" {
		*certFile = envCert
	}
	if envKey := os.Getenv("SSL_KEY_FILE"); envKey != "" {
		*keyFile = envKey
	}

	*secret = strings.TrimSpace(*secret)
	if *secret == "" {
		log.Printf("[WARNING] no session secret configured, using the development default")
	} else {
		log.Printf("Config: Session secret loaded (Length: %d)", len(*secret))
	}

	catalog := raceserver.DefaultCatalog()
	if *trackFile != "" {
		loaded, err := raceserver.LoadCatalog(*trackFile)
		if err != nil {
			log.Fatalf("Failed to load track catalog from %s: %v", *trackFile, err)
		}
		catalog = loaded
		log.Printf("Config: Loaded %d tracks from %s", len(catalog.Tracks), *trackFile)
	} else {
		log.Printf("Config: Using built-in catalog with %d tracks", len(catalog.Tracks))
	}

	hub := raceserver.NewHub(catalog, raceserver.Options{
		SessionSecret: *secret,
		ItemInterval:  8 * time.Second,
	})
	srv := raceserver.NewServer(hub)

	// Initialize Certificate Loader for hot-reloading
	certLoader, err := NewCertificateLoader(*certFile, *keyFile)
	if err != nil {
		log.Printf("TLS certificates not found or invalid (%v). Generating 10-year self-signed certificate...", err)
		certs, err := generateSelfSignedCert(domainEnv)
		if err != nil {
			log.Fatalf("Failed to generate self-signed cert: %v", err)
		}
		certLoader = &CertificateLoader{cert: &certs, certFile: *certFile, keyFile: *keyFile}
	} else {
		log.Printf("TLS certificates loaded successfully from %s", *certFile)
	}

	tlsConfig := &tls.Config{
		GetCertificate: certLoader.GetCertificate,
		NextProtos:     []string{"h3", "h3-29", "http/1.1"},
		MinVersion:     tls.VersionTLS13,
	}

	var tracer func(context.Context, logging.Perspective, quic.ConnectionID) *logging.ConnectionTracer
	if os.Getenv("QLOG") == "1" {
		log.Println("Config: QLOG tracing enabled")
		tracer = func(ctx context.Context, p logging.Perspective, connID quic.ConnectionID) *logging.ConnectionTracer {
			filename := fmt.Sprintf("raced_%x.qlog", connID)
			f, err := os.Create(filename)
			if err != nil {
				log.Printf("Failed to create qlog file: %v", err)
				return nil
			}
			log.Printf("Writing qlog to %s", filename)
			return qlog.NewConnectionTracer(NewBufferedWriteCloser(bufio.NewWriter(f), f), p, connID)
		}
	}

	windows, err := raceserver.ResolveQUICWindowConfig(os.Getenv("QUIC_WINDOW_PROFILE"))
	if err != nil {
		log.Fatalf("Failed to resolve QUIC window profile: %v", err)
	}
	log.Printf("Config: QUIC window profile %q (overrides applied: %v)", windows.Profile, windows.OverrideApplied)

	quicConfig := &quic.Config{
		EnableDatagrams:                true,
		MaxIdleTimeout:                 30 * time.Second,
		KeepAlivePeriod:                10 * time.Second,
		Allow0RTT:                      true,
		MaxIncomingStreams:             1000,
		InitialStreamReceiveWindow:     windows.InitialStreamReceiveWindow,
		InitialConnectionReceiveWindow: windows.InitialConnectionReceiveWindow,
		MaxStreamReceiveWindow:         windows.MaxStreamReceiveWindow,
		MaxConnectionReceiveWindow:     windows.MaxConnectionReceiveWindow,
		Tracer:                         tracer,
	}

	wtMux := http.NewServeMux()
	wtServer := webtransport.Server{
		H3: http3.Server{
			Addr:       *listenAddr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
			Handler:    wtMux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	wtMux.HandleFunc("/race", func(w http.ResponseWriter, r *http.Request) {
		srv.HandleWebTransport(&wtServer, w, r)
	})

	// 1. Start HTTP/3 (UDP) server for WebTransport clients
	go func() {
		log.Printf("Starting HTTP/3 (UDP) server on %s", *listenAddr)
		if err := wtServer.ListenAndServe(); err != nil {
			log.Fatalf("HTTP/3 server failed: %v", err)
		}
	}()

	// 2. Start HTTP/1.1 (TCP+TLS) server for websocket clients and health
	// checks. PaaS health probes speak TCP, so this side carries /healthz.
	routes := srv.Routes()
	httpServer := &http.Server{
		Addr: *listenAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Advertise HTTP/3 on the same port for clients that can upgrade
			port := "443"
			if _, p, err := net.SplitHostPort(*listenAddr); err == nil {
				port = p
			}
			w.Header().Set("Alt-Svc", fmt.Sprintf(`h3=":%s"; ma=2592000`, port))
			routes.ServeHTTP(w, r)
		}),
	}

	tcpListener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("Failed to listen on TCP %s: %v", *listenAddr, err)
	}
	log.Printf("HTTP/1.1 (TCP+TLS) server listening on %s", tcpListener.Addr().String())

	tcpTLSConfig := tlsConfig.Clone()
	tcpTLSConfig.NextProtos = []string{"http/1.1"}
	tlsListener := tls.NewListener(tcpListener, tcpTLSConfig)

	go func() {
		if err := httpServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("TCP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = wtServer.Close()
	hub.Close()
	log.Println("Goodbye")
}

func generateSelfSignedCert(domain string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	subject := pkix.Name{
		Organization: []string{"Driftline Self-Signed"},
	}
	if domain != "" {
		subject.CommonName = domain
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour * 24 * 365 * 10),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain},
	}
	if domain == "" {
		template.DNSNames = []string{"localhost"}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certBuf := &bytes.Buffer{}
	pem.Encode(certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	keyBuf := &bytes.Buffer{}
	pem.Encode(keyBuf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certBuf.Bytes(), keyBuf.Bytes())
}

// CertificateLoader handles dynamic reloading of TLS certificates via signal
type CertificateLoader struct {
	certFile string
	keyFile  string
	cert     *tls.Certificate
	mu       sync.RWMutex
}

func NewCertificateLoader(certFile, keyFile string) (*CertificateLoader, error) {
	loader := &CertificateLoader{
		certFile: certFile,
		keyFile:  keyFile,
	}
	if err := loader.forceReload(); err != nil {
		return nil, err
	}

	go loader.listenForSignal()

	return loader, nil
}

func (l *CertificateLoader) listenForSignal() {
	// SIGHUP is the standard reload signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)

	for range c {
		log.Println("[INFO] Received SIGHUP, reloading TLS certificates...")
		if err := l.forceReload(); err != nil {
			log.Printf("[ERROR] Failed to reload certificate on signal: %v", err)
		}
	}
}

func (l *CertificateLoader) forceReload() error {
	kp, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cert = &kp
	l.mu.Unlock()
	log.Printf("[INFO] Reloaded TLS certificate from %s", l.certFile)
	return nil
}

// GetCertificate implements tls.Config.GetCertificate
func (l *CertificateLoader) GetCertificate(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cert, nil
}
