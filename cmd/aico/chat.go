package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aico-project/aico/internal/gateway"
	"github.com/aico-project/aico/internal/identity"
	"github.com/aico-project/aico/internal/secure"
)

// chatCmd is a minimal interactive client: it establishes a session
// with the gateway and sends each input line as a completion request.
func chatCmd() *cobra.Command {
	var (
		gatewayURL string
		model      string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectChat(gatewayURL)
			if err != nil {
				return err
			}
			fmt.Println("session established, type a prompt (ctrl-d to quit)")

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				prompt := strings.TrimSpace(scanner.Text())
				if prompt == "" {
					continue
				}
				reply, err := client.send(gateway.Message{
					MessageType: "completions",
					Data:        mustJSON(map[string]string{"prompt": prompt, "model": model}),
				})
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				printReply(reply)
			}
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway", "http://127.0.0.1:8765", "gateway base URL")
	cmd.Flags().StringVar(&model, "model", "", "completion model (server default when empty)")
	return cmd
}

type chatClient struct {
	base     string
	id       *identity.Identity
	sess     *secure.Session
	httpc    *http.Client
	clientID string
}

func connectChat(base string) (*chatClient, error) {
	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	hs, err := secure.Initiate(id, "aico-chat")
	if err != nil {
		return nil, err
	}

	httpc := &http.Client{}
	body := mustJSON(map[string]interface{}{"handshake_request": hs})
	resp, err := httpc.Post(base+"/handshake", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Status            string                    `json:"status"`
		Error             string                    `json:"error"`
		HandshakeResponse *secure.HandshakeResponse `json:"handshake_response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("handshake response: %w", err)
	}
	if parsed.Status != "session_established" || parsed.HandshakeResponse == nil {
		return nil, fmt.Errorf("handshake rejected: %s", parsed.Error)
	}

	sess, err := secure.Complete(id, hs, parsed.HandshakeResponse)
	if err != nil {
		return nil, err
	}
	return &chatClient{
		base:     base,
		id:       id,
		sess:     sess,
		httpc:    httpc,
		clientID: id.Fingerprint(),
	}, nil
}

// send encrypts one message, posts it, and returns the decrypted
// response body.
func (c *chatClient) send(msg gateway.Message) (json.RawMessage, error) {
	plain, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	sealed, err := c.sess.Encrypt(plain)
	if err != nil {
		return nil, err
	}

	body := mustJSON(map[string]interface{}{
		"encrypted": true,
		"payload":   base64.StdEncoding.EncodeToString(sealed),
		"client_id": c.clientID,
	})
	resp, err := c.httpc.Post(c.base+"/message", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Encrypted bool   `json:"encrypted"`
		Payload   string `json:"payload"`
		Kind      string `json:"kind"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if !envelope.Encrypted {
		return nil, fmt.Errorf("%s: %s", envelope.Kind, envelope.Message)
	}

	cipher, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return nil, err
	}
	return c.sess.Decrypt(cipher)
}

// printReply shows the completion text when present, otherwise the
// raw payload.
func printReply(raw json.RawMessage) {
	var parsed struct {
		Response string `json:"response"`
		Kind     string `json:"kind"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Response != "":
			fmt.Println(parsed.Response)
			return
		case parsed.Kind != "":
			fmt.Fprintf(os.Stderr, "error (%s): %s\n", parsed.Kind, parsed.Message)
			return
		}
	}
	fmt.Println(string(raw))
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
