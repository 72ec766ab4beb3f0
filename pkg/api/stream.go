package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/models"
)

const doneSentinel = "[DONE]"

// EndTokens are model specific markers that terminate a stream.
var EndTokens = []string{"<|endoftext|>", "</s>", "<|im_end|>", "<|end|>"}

// streamData is the JSON form a data line may take. Plain text lines are
// tokens as is.
type streamData struct {
	Token   *string `json:"token"`
	Content *string `json:"content"`
	Text    *string `json:"text"`
	Error   string  `json:"error"`
	Done    bool    `json:"done"`
}

// parseData extracts the token text from a data line and reports whether the
// stream ended.
func parseData(data string) (token string, done bool, err error) {
	if data == doneSentinel {
		return "", true, nil
	}
	token = data
	if strings.HasPrefix(strings.TrimSpace(data), "{") {
		var sd streamData
		if json.Unmarshal([]byte(data), &sd) == nil {
			switch {
			case sd.Error != "":
				return "", false, errors.New(sd.Error)
			case sd.Token != nil:
				token = *sd.Token
			case sd.Content != nil:
				token = *sd.Content
			case sd.Text != nil:
				token = *sd.Text
			case sd.Done:
				token = ""
			}
			done = sd.Done
		}
	}
	for _, end := range EndTokens {
		if i := strings.Index(token, end); i >= 0 {
			token = token[:i]
			done = true
		}
	}
	return token, done, nil
}

// GenerateCodeStream runs a streaming generation. onChunk receives a start
// chunk, one token chunk per data event and a final done or error chunk.
// onComplete receives the accumulated content. On failure onError is called
// and the same error is returned. Any callback may be nil.
func (c *Client) GenerateCodeStream(
	ctx context.Context,
	req models.GenerateRequest,
	onChunk func(models.StreamChunk),
	onComplete func(string),
	onError func(error),
) error {
	emit := func(ch models.StreamChunk) {
		if onChunk != nil {
			onChunk(ch)
		}
	}
	fail := func(err error) error {
		emit(models.StreamChunk{Type: models.ChunkError, Error: UserMessage(err)})
		if onError != nil {
			onError(err)
		}
		logrus.WithError(err).Debug("[API] stream failed")
		return err
	}

	s := c.settings()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The transport is aborted when no chunk arrives within the idle timeout.
	var stalled atomic.Bool
	idle := time.AfterFunc(s.idleTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer idle.Stop()

	resp, err := s.do(ctx, http.MethodPost, PathGenerateStream, req)
	if err != nil {
		if stalled.Load() {
			err = ErrStreamStalled
		}
		return fail(err)
	}
	defer resp.Body.Close()
	idle.Reset(s.idleTimeout)

	emit(models.StreamChunk{Type: models.ChunkStart})

	var content strings.Builder
	reader := NewSSEReader(resp.Body)
	for {
		ev, err := reader.ReadEvent()
		if err != nil {
			if stalled.Load() {
				return fail(ErrStreamStalled)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			return fail(&NetworkError{Op: "read stream", Err: err})
		}
		idle.Reset(s.idleTimeout)

		if ev.Event == "error" {
			return fail(fmt.Errorf("backend stream error: %s", ev.Data))
		}
		token, done, err := parseData(ev.Data)
		if err != nil {
			return fail(fmt.Errorf("backend stream error: %w", err))
		}
		if token != "" {
			content.WriteString(token)
			emit(models.StreamChunk{Type: models.ChunkToken, Content: token})
		}
		if done {
			break
		}
	}

	final := content.String()
	emit(models.StreamChunk{Type: models.ChunkDone, Content: final})
	if onComplete != nil {
		onComplete(final)
	}
	return nil
}
