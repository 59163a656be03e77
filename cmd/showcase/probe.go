package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/spaceshowcase/internal/audio"
	"github.com/ent0n29/spaceshowcase/internal/protocol"
)

type probeOptions struct {
	baseURL      string
	viewerID     string
	rounds       int
	narrate      bool
	roundTimeout time.Duration
	verbose      bool
}

type roundResult struct {
	Title        string
	Fetch        time.Duration
	Narration    time.Duration
	FirstAudio   time.Duration
	AudioLength  time.Duration
	FetchFailure string
}

type createSessionRequest struct {
	ViewerID string `json:"viewer_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func newProbeCmd() *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Drive a running server through fetch and narration rounds and report latencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
			if opts.baseURL == "" {
				return errors.New("base-url is required")
			}
			if opts.rounds <= 0 {
				return errors.New("rounds must be > 0")
			}
			if opts.roundTimeout < time.Second {
				opts.roundTimeout = time.Second
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(opts.rounds)*2*opts.roundTimeout+30*time.Second)
			defer cancel()

			results, err := runProbe(ctx, cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), results)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "showcase base URL")
	cmd.Flags().StringVar(&opts.viewerID, "viewer-id", "probe", "viewer_id for the synthetic session")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 3, "number of pictures to load")
	cmd.Flags().BoolVar(&opts.narrate, "narrate", true, "request a narration for every picture")
	cmd.Flags().DurationVar(&opts.roundTimeout, "round-timeout", 90*time.Second, "timeout per fetch or narration")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", true, "print progress")
	return cmd
}

func runProbe(ctx context.Context, out io.Writer, opts probeOptions) ([]roundResult, error) {
	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, opts.baseURL, opts.viewerID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, opts.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(opts.baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	states := make(chan protocol.ShowcaseState, 128)
	readErr := make(chan error, 1)
	go readLoop(conn, out, states, readErr, opts.verbose)

	if opts.verbose {
		fmt.Fprintf(out, "probe: session=%s rounds=%d narrate=%t\n", sessionID, opts.rounds, opts.narrate)
	}

	var (
		last    protocol.ShowcaseState
		results []roundResult
	)
	for i := 0; i < opts.rounds; i++ {
		var res roundResult
		prevGen := last.Generation
		start := time.Now()
		// The server loads the first picture on connect.
		if i > 0 {
			if err := sendControl(conn, sessionID, protocol.ActionNextImage); err != nil {
				return results, fmt.Errorf("round %d send next_image: %w", i+1, err)
			}
		}
		sawLoading := false
		st, err := awaitState(ctx, states, readErr, opts.roundTimeout, func(st protocol.ShowcaseState) (bool, error) {
			if st.Loading {
				sawLoading = true
				return false, nil
			}
			if st.Generation > prevGen && st.Picture != nil {
				return true, nil
			}
			if sawLoading && st.Error != "" {
				return true, errFetchFailed
			}
			return false, nil
		})
		last = st
		res.Fetch = time.Since(start)
		if errors.Is(err, errFetchFailed) {
			res.FetchFailure = st.Error
			results = append(results, res)
			if opts.verbose {
				fmt.Fprintf(out, "probe: round %d fetch failed after %s: %s\n", i+1, res.Fetch.Round(time.Millisecond), st.Error)
			}
			continue
		}
		if err != nil {
			return results, fmt.Errorf("round %d await picture: %w", i+1, err)
		}
		res.Title = st.Picture.Title
		if opts.verbose {
			fmt.Fprintf(out, "probe: round %d picture %q (%s) in %s\n", i+1, st.Picture.Title, st.Picture.Date, res.Fetch.Round(time.Millisecond))
		}

		if opts.narrate {
			if err := probeNarration(ctx, conn, httpClient, opts, sessionID, states, readErr, &last, &res); err != nil {
				return results, fmt.Errorf("round %d: %w", i+1, err)
			}
			if opts.verbose {
				fmt.Fprintf(out, "probe: round %d narration ready in %s, audio after %s, length %s\n", i+1,
					res.Narration.Round(time.Millisecond), res.FirstAudio.Round(time.Millisecond), res.AudioLength.Round(time.Millisecond))
			}
		}
		results = append(results, res)
	}

	if opts.verbose {
		fmt.Fprintln(out, "probe: completed")
	}
	return results, nil
}

var errFetchFailed = errors.New("fetch failed")

func probeNarration(ctx context.Context, conn *websocket.Conn, client *http.Client, opts probeOptions, sessionID string, states <-chan protocol.ShowcaseState, readErr <-chan error, last *protocol.ShowcaseState, res *roundResult) error {
	gen := last.Generation
	start := time.Now()
	if err := sendControl(conn, sessionID, protocol.ActionNarrate); err != nil {
		return fmt.Errorf("send narrate: %w", err)
	}
	st, err := awaitState(ctx, states, readErr, opts.roundTimeout, func(st protocol.ShowcaseState) (bool, error) {
		if st.Generation != gen {
			return true, errors.New("picture changed during narration")
		}
		if st.NarrationURL != "" {
			return true, nil
		}
		if !st.Narrating && st.Error != "" {
			return true, fmt.Errorf("narration failed: %s", st.Error)
		}
		return false, nil
	})
	*last = st
	if err != nil {
		return err
	}
	res.Narration = time.Since(start)

	if !st.PuppetVisible && !st.Speaking {
		st, err = awaitState(ctx, states, readErr, opts.roundTimeout, func(st protocol.ShowcaseState) (bool, error) {
			return st.PuppetVisible || st.Speaking, nil
		})
		*last = st
		if err != nil {
			return fmt.Errorf("await playback: %w", err)
		}
	}
	res.FirstAudio = time.Since(start)

	length, err := narrationLength(ctx, client, opts.baseURL, st.NarrationURL)
	if err != nil {
		return err
	}
	res.AudioLength = length
	return sendControl(conn, sessionID, protocol.ActionStop)
}

func narrationLength(ctx context.Context, client *http.Client, baseURL, path string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<20))
	if err != nil {
		return 0, err
	}
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download narration HTTP %d", res.StatusCode)
	}
	pcm, err := audio.DecodeWAV(body)
	if err != nil {
		return 0, fmt.Errorf("decode narration: %w", err)
	}
	return pcm.Duration(), nil
}

func createSession(ctx context.Context, client *http.Client, baseURL, viewerID string) (string, error) {
	payload, err := json.Marshal(createSessionRequest{ViewerID: viewerID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/showcase/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	// 200 means the viewer's earlier session was still active and came back.
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/showcase/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/showcase/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, out io.Writer, states chan<- protocol.ShowcaseState, readErr chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeShowcaseState):
			var st protocol.ShowcaseState
			if err := json.Unmarshal(data, &st); err != nil {
				continue
			}
			select {
			case states <- st:
			default:
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(out, "probe: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
		TSMs:      time.Now().UnixMilli(),
	})
}

// awaitState consumes snapshots until done reports true. The last snapshot
// seen is returned either way.
func awaitState(ctx context.Context, states <-chan protocol.ShowcaseState, readErr <-chan error, timeout time.Duration, done func(protocol.ShowcaseState) (bool, error)) (protocol.ShowcaseState, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var last protocol.ShowcaseState
	for {
		select {
		case st := <-states:
			last = st
			if ok, err := done(st); ok || err != nil {
				return st, err
			}
		case err := <-readErr:
			return last, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return last, fmt.Errorf("timeout after %s", timeout)
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

func printSummary(out io.Writer, results []roundResult) {
	var fetches, narrations, firstAudio []time.Duration
	failed := 0
	for _, r := range results {
		if r.FetchFailure != "" {
			failed++
			continue
		}
		fetches = append(fetches, r.Fetch)
		if r.Narration > 0 {
			narrations = append(narrations, r.Narration)
			firstAudio = append(firstAudio, r.FirstAudio)
		}
	}
	fmt.Fprintf(out, "rounds=%d fetch_failures=%d\n", len(results), failed)
	for _, row := range []struct {
		name   string
		values []time.Duration
	}{
		{"fetch", fetches},
		{"narration", narrations},
		{"first_audio", firstAudio},
	} {
		if len(row.values) == 0 {
			continue
		}
		fmt.Fprintf(out, "%-12s p50=%s p95=%s max=%s\n", row.name,
			percentile(row.values, 0.50).Round(time.Millisecond),
			percentile(row.values, 0.95).Round(time.Millisecond),
			percentile(row.values, 1).Round(time.Millisecond))
	}
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
