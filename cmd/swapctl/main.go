// Command swapctl drives the coordinator's admin surface from the shell.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: swapctl [-addr URL] [-token TOKEN] <command> [args]

commands:
  health                    probe coordinator health
  list-active-swaps         list every non-terminal swap
  get-swap <id>             show one swap
  create-swap <a-id> <b-id> pair two on-chain escrows manually
  force-refund <id>         schedule refunds for expired sides
`)
	os.Exit(2)
}

func main() {
	var (
		addr  string
		token string
	)
	flag.StringVar(&addr, "addr", "http://127.0.0.1:8545", "coordinator admin address")
	flag.StringVar(&token, "token", os.Getenv("SWAPRELAY_ADMIN_TOKEN"), "admin bearer token")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	client := &client{
		base:  strings.TrimRight(addr, "/"),
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 15 * time.Second},
	}

	var err error
	switch args[0] {
	case "health":
		err = client.get("/healthz")
	case "list-active-swaps":
		err = client.get("/swaps")
	case "get-swap":
		if len(args) != 2 {
			usage()
		}
		err = client.get("/swaps/" + args[1])
	case "create-swap":
		if len(args) != 3 {
			usage()
		}
		err = client.postJSON("/swaps", map[string]string{
			"aEscrowId": args[1],
			"bEscrowId": args[2],
		})
	case "force-refund":
		if len(args) != 2 {
			usage()
		}
		err = client.post("/swaps/" + args[1] + "/force-refund")
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "swapctl: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, body io.Reader) error {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("coordinator returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *client) get(path string) error  { return c.do(http.MethodGet, path, nil) }
func (c *client) post(path string) error { return c.do(http.MethodPost, path, nil) }

func (c *client) postJSON(path string, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, path, bytes.NewReader(encoded))
}
