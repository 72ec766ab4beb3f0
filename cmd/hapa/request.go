package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hapa-ai/hapa/pkg/bridge"
	"github.com/hapa-ai/hapa/pkg/models"
)

// newServer builds a bridge server honouring the feature toggles.
func newServer(a *app) *bridge.Server {
	return bridge.New(bridge.Options{
		Backend:   a.client,
		Offline:   a.offline,
		Optimizer: a.opt,
		Memory:    a.mem,
		Streaming: a.cfg.Features.Streaming,
		Queueing:  a.cfg.Features.OfflineQueue,
		Caching:   a.cfg.Features.ResponseCache,
	})
}

// runRequest sends one command through the same path the editor uses and
// renders the response. Streamed tokens are printed as they arrive.
func runRequest(ctx context.Context, configPath, command string, payload any, render func(json.RawMessage) error) error {
	a, err := openApp(configPath, logNotifier)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	streamed := false
	reply := newServer(a).Handle(ctx, &bridge.Message{Command: command, Payload: raw}, func(ev bridge.Event) {
		ch, ok := ev.Data.(models.StreamChunk)
		if !ok || ch.Type != models.ChunkToken {
			return
		}
		streamed = true
		fmt.Print(ch.Content)
	})
	if !reply.OK {
		return fmt.Errorf("%s", reply.Error)
	}

	res, ok := reply.Result.(*bridge.Result)
	if !ok {
		return fmt.Errorf("unexpected result %T", reply.Result)
	}
	if res.Queued {
		fmt.Fprintf(os.Stderr, "Backend unavailable. Request %s queued and will be sent when the connection returns.\n", res.RequestID)
		return nil
	}
	if streamed {
		fmt.Println()
		return nil
	}
	if res.Cached {
		fmt.Fprintln(os.Stderr, "(from cache)")
	}
	out, err := json.Marshal(res.Response)
	if err != nil {
		return err
	}
	return render(out)
}

func renderGeneration(raw json.RawMessage) error {
	var resp models.GenerateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Println(resp.Code)
	if resp.Explanation != "" {
		fmt.Printf("\n%s\n", resp.Explanation)
	}
	return nil
}

// readSource returns the contents of path, or stdin when path is "-".
func readSource(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
