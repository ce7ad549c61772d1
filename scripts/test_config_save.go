package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	config := map[string]interface{}{
		"server_url":              "wss://race.driftline.dev/race",
		"transport":               "websocket",
		"player_name":             "script-racer",
		"max_reconnect_attempts":  5,
		"reconnect_base_delay_ms": 500,
		"reconcile_threshold":     5.0,
		"correction_factor":       0.3,
		"interpolation_factor":    0.25,
		"keepalive_interval_ms":   5000,
	}

	data, _ := json.Marshal(config)
	resp, err := http.Post("http://127.0.0.1:9781/api/v1/config", "application/json", bytes.NewBuffer(data))
	if err != nil {
		fmt.Printf("Error calling API: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("Status: %s\n", resp.Status)
	fmt.Printf("Body: %s\n", string(body))
}
