package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type tokenPair struct {
	AccessToken  string    `json:"accessToken"`
	Expiration   time.Time `json:"expiration"`
	RefreshToken string    `json:"refreshToken"`
}

func main() {
	base := os.Getenv("USERMANAGE_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	user := os.Getenv("USERMANAGE_SEED_ADMIN_USERNAME")
	pass := os.Getenv("USERMANAGE_SEED_ADMIN_PASSWORD")
	if user == "" || pass == "" {
		log.Fatal("USERMANAGE_SEED_ADMIN_USERNAME and USERMANAGE_SEED_ADMIN_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}

	var pair tokenPair
	if code := call(ctx, client, http.MethodPost, base+"/login", "", map[string]string{
		"username": user,
		"password": pass,
	}, &pair); code != http.StatusOK {
		log.Fatalf("login: status %d", code)
	}

	var me map[string]any
	if code := call(ctx, client, http.MethodGet, base+"/me", pair.AccessToken, nil, &me); code != http.StatusOK {
		log.Fatalf("me: status %d", code)
	}

	var next tokenPair
	if code := call(ctx, client, http.MethodPost, base+"/refresh-token", "", map[string]string{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	}, &next); code != http.StatusOK {
		log.Fatalf("refresh: status %d", code)
	}
	if next.RefreshToken == pair.RefreshToken {
		log.Fatal("refresh token was not rotated")
	}

	if code := call(ctx, client, http.MethodPost, base+"/refresh-token", "", map[string]string{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	}, nil); code != http.StatusBadRequest {
		log.Fatalf("replayed refresh token: expected 400, got %d", code)
	}

	var users struct {
		Users []string `json:"users"`
	}
	if code := call(ctx, client, http.MethodPost, base+"/get-users", next.AccessToken, nil, &users); code != http.StatusOK {
		log.Fatalf("get-users: status %d", code)
	}

	fmt.Printf("✅ usermanage smoke test passed: user=%v users=%d\n", me["username"], len(users.Users))
}

func call(ctx context.Context, client *http.Client, method, url, token string, body, out any) int {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			log.Fatalf("marshal %s: %v", url, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}
