// Package relay is the HTTP client side of the relay command interface.
//
// Every command is an HTTP GET against the relay's command receiver and
// returns a JSON Response body. Transport failures (timeout, connection
// refused) are retried a bounded number of times with exponential
// backoff; device-reported failures are never retried here - the
// scheduler decides what a failed command means.
package relay

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	herderrors "github.com/tagherd/tagherd/internal/errors"
	"github.com/tagherd/tagherd/internal/fleet"
)

// Options configures a relay client.
type Options struct {
	// CommandTimeout bounds start/stop/pos commands.
	CommandTimeout time.Duration

	// CollectTimeout bounds bulk data pulls and signal log downloads.
	CollectTimeout time.Duration

	// RetryMax is the number of retries after the first attempt for
	// transient transport failures.
	RetryMax uint64

	// CommandsPerSecond caps the command rate toward one relay. Zero
	// means no limit.
	CommandsPerSecond float64
}

// Client issues commands to one relay node.
type Client struct {
	name    string
	baseURL string
	short   *http.Client
	long    *http.Client
	limiter *rate.Limiter
	retries uint64
}

// NewClient creates a client for the relay at baseURL (e.g.
// "http://10.0.0.11:5000").
func NewClient(name, baseURL string, opts Options) *Client {
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 120 * time.Second
	}
	if opts.CollectTimeout == 0 {
		opts.CollectTimeout = 480 * time.Second
	}
	var limiter *rate.Limiter
	if opts.CommandsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.CommandsPerSecond), 1)
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		short:   &http.Client{Timeout: opts.CommandTimeout},
		long:    &http.Client{Timeout: opts.CollectTimeout},
		limiter: limiter,
		retries: opts.RetryMax,
	}
}

// Name returns the relay's observer name.
func (c *Client) Name() string { return c.name }

// Addr returns the relay's base address.
func (c *Client) Addr() string { return c.baseURL }

// StartRecord asks the relay to start a recording session on the tag.
func (c *Client) StartRecord(ctx context.Context, tag string, sampleRange, sampleRate int) (Response, error) {
	return c.command(ctx, c.short, fmt.Sprintf("/StartRecord/%s/%d/%d", tag, sampleRange, sampleRate))
}

// StopRecord asks the relay to stop the tag's recording session.
func (c *Client) StopRecord(ctx context.Context, tag string) (Response, error) {
	return c.command(ctx, c.short, fmt.Sprintf("/StopRecord/%s", tag))
}

// ReadPosition polls the tag's current circular buffer position.
func (c *Client) ReadPosition(ctx context.Context, tag string) (Response, error) {
	return c.command(ctx, c.short, fmt.Sprintf("/ReadTagPosition/%s", tag))
}

// CollectData pulls count samples starting at startPos from the tag.
func (c *Client) CollectData(ctx context.Context, tag string, startPos, count int64, sampleRange int) (Response, error) {
	return c.command(ctx, c.long, fmt.Sprintf("/CollectData/%s/%d/%d/%d", tag, startPos, count, sampleRange))
}

// command runs one GET with bounded retry on transport failures.
// The returned Response has Success=false whenever err is non-nil, so
// callers that only look at the Response still see a failed attempt.
func (c *Client) command(ctx context.Context, hc *http.Client, path string) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, herderrors.RelayUnreachable(c.name, err)
		}
	}

	var resp Response
	op := func() error {
		body, err := c.get(ctx, hc, path)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			// A relay that answers with garbage will not answer
			// better on retry.
			return backoff.Permanent(herderrors.Wrap(herderrors.CodeRelayBadResponse,
				fmt.Sprintf("relay %s: undecodable response for %s", c.name, path), err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if herderrors.GetCode(err) == herderrors.CodeRelayBadResponse {
			return Response{}, err
		}
		return Response{}, herderrors.RelayUnreachable(c.name, err)
	}
	return resp, nil
}

// get performs one HTTP GET and returns the body.
func (c *Client) get(ctx context.Context, hc *http.Client, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay %s: status %d for %s", c.name, res.StatusCode, path)
	}
	return io.ReadAll(res.Body)
}

// ReadSignalLog downloads the relay's signal-strength log segments
// recorded since fromTS.
//
// The relay responds with a zip archive: one or more ".log" entries
// holding "ts,host,tag_mac,rssi" lines, plus a "meta" entry whose last
// line is the maximum transmitted timestamp. Lines that do not parse
// are skipped and counted in the log; a tag address that cannot be
// normalized skips the line as well.
func (c *Client) ReadSignalLog(ctx context.Context, fromTS int64) ([]SignalEntry, int64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, herderrors.RelayUnreachable(c.name, err)
		}
	}

	body, err := c.get(ctx, c.long, fmt.Sprintf("/ReadRssiLog/%d", fromTS))
	if err != nil {
		return nil, 0, herderrors.RelayUnreachable(c.name, err)
	}

	archive, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, 0, herderrors.Wrap(herderrors.CodeRelayBadResponse,
			fmt.Sprintf("relay %s: signal log archive unreadable", c.name), err)
	}

	var (
		entries []SignalEntry
		maxTS   int64
		haveTS  bool
		skipped int
	)
	for _, f := range archive.File {
		rc, err := f.Open()
		if err != nil {
			return nil, 0, herderrors.Wrap(herderrors.CodeRelayBadResponse,
				fmt.Sprintf("relay %s: archive entry %s unreadable", c.name, f.Name), err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, 0, herderrors.Wrap(herderrors.CodeRelayBadResponse,
				fmt.Sprintf("relay %s: archive entry %s unreadable", c.name, f.Name), err)
		}

		if f.Name == "meta" {
			maxTS, err = parseMeta(content)
			if err != nil {
				return nil, 0, herderrors.Wrap(herderrors.CodeRelayBadResponse,
					fmt.Sprintf("relay %s: bad meta manifest", c.name), err)
			}
			haveTS = true
			continue
		}

		for _, line := range strings.Split(string(content), "\n") {
			entry, ok := parseSignalLine(line)
			if !ok {
				if strings.TrimSpace(line) != "" {
					skipped++
				}
				continue
			}
			entries = append(entries, entry)
		}
	}
	if skipped > 0 {
		log.Printf("relay: %s signal log had %d unparsable lines", c.name, skipped)
	}
	if !haveTS {
		return nil, 0, herderrors.New(herderrors.CodeRelayBadResponse,
			fmt.Sprintf("relay %s: signal log archive missing meta manifest", c.name))
	}
	return entries, maxTS, nil
}

// parseMeta returns the last non-empty line of the manifest as a timestamp.
func parseMeta(content []byte) (int64, error) {
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	ts, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("manifest timestamp %q: %w", last, err)
	}
	return ts, nil
}

// parseSignalLine parses one "ts,host,tag_mac,rssi" line.
func parseSignalLine(line string) (SignalEntry, bool) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 4 {
		return SignalEntry{}, false
	}
	ts, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return SignalEntry{}, false
	}
	tag, err := fleet.NormalizeTagAddr(fields[2])
	if err != nil {
		return SignalEntry{}, false
	}
	rssi, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return SignalEntry{}, false
	}
	return SignalEntry{
		TS:   ts,
		Host: strings.TrimSpace(fields[1]),
		Tag:  tag,
		RSSI: rssi,
	}, true
}
