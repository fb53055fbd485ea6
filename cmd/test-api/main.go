// Package main is a smoke-test utility that verifies the registry's HTTP API
// is reachable and returning valid responses. It probes /health and then checks
// the status of one license code, printing the status codes and response bodies.
// Useful for quick post-deployment checks without curl.
//
//	test-api [-url http://localhost:8080] [-license CODE]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "registry base URL")
	license := flag.String("license", "SMOKE-TEST", "license code to check")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	ok := probe(client, http.MethodGet, *baseURL+"/health", nil)

	body, _ := json.Marshal(map[string]string{"license": *license})
	ok = probe(client, http.MethodPost, *baseURL+"/api/v1/licenses/check", body) && ok

	if !ok {
		os.Exit(1)
	}
}

func probe(client *http.Client, method, url string, payload []byte) bool {
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return false
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading body: %v\n", err)
		return false
	}

	fmt.Printf("%s %s -> %d\n%s\n", method, url, resp.StatusCode, string(body))
	return resp.StatusCode == http.StatusOK
}
