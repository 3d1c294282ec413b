package endpoint

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"

	"github.com/moby/moby/client"

	"github.com/galadd/cluman/internal/model"
)

// StreamResult is returned once a stream decoder's sequence ends. A clean
// cancellation ends with CodeCancelled and the message "interrupted".
type StreamResult struct {
	Code    ResultCode
	Message string
}

// ProcessEvent is a single demultiplexed log frame.
type ProcessEvent struct {
	Stream  string // "stdout" or "stderr"
	Payload []byte
}

// SubscribeEvents streams newline-delimited daemon events to sink until
// ctx is cancelled or the stream closes naturally. Firing ctx's cancel
// closes the in-flight HTTP response within one event boundary.
func (c *Client) SubscribeEvents(ctx context.Context, since, until string, sink func(EventsType)) StreamResult {
	messages, errs := c.cli.Events(ctx, client.EventsListOptions{Since: since, Until: until})
	for {
		select {
		case ev := <-messages:
			sink(ev)
		case err := <-errs:
			if ctx.Err() != nil || err == io.EOF {
				return StreamResult{Code: CodeCancelled, Message: "interrupted"}
			}
			return StreamResult{Code: CodeError, Message: err.Error()}
		}
	}
}

// ContainerEventFromMessage decodes one daemon event envelope into the
// (kind, container) pair the container registry's ApplyEvent expects,
// reporting ok=false for non-container events (image/network/volume)
// this control plane doesn't track in the registry.
func ContainerEventFromMessage(ev EventsType) (kind string, c model.Container, ok bool) {
	if string(ev.Type) != "container" {
		return "", model.Container{}, false
	}
	name := strings.TrimPrefix(ev.Actor.Attributes["name"], "/")
	c = model.Container{
		ID:    ev.Actor.ID,
		Name:  name,
		Image: parseImageRef(ev.Actor.Attributes["image"]),
	}
	return string(ev.Action), c, true
}

// GetLogs streams the multiplexed 8-byte-header log frames of the Docker
// Engine API (§6) to sink as demultiplexed ProcessEvents.
func (c *Client) GetLogs(ctx context.Context, id string, tail string, follow bool, sink func(ProcessEvent)) StreamResult {
	rc, err := c.cli.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		if ctx.Err() != nil {
			return StreamResult{Code: CodeCancelled, Message: "interrupted"}
		}
		return StreamResult{Code: CodeError, Message: err.Error()}
	}
	defer rc.Close()

	if err := demuxLogFrames(rc, sink); err != nil {
		if ctx.Err() != nil || err == io.EOF {
			return StreamResult{Code: CodeCancelled, Message: "interrupted"}
		}
		return StreamResult{Code: CodeError, Message: err.Error()}
	}
	return StreamResult{Code: CodeOK}
}

// demuxLogFrames implements the 8-byte-header framing: byte 0 is the
// stream ID (1=stdout, 2=stderr), bytes 4-7 are a big-endian payload
// length.
func demuxLogFrames(r io.Reader, sink func(ProcessEvent)) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		streamName := "stdout"
		if header[0] == 2 {
			streamName = "stderr"
		}
		sink(ProcessEvent{Stream: streamName, Payload: payload})
	}
}

// StatsSnapshot is a single newline-delimited JSON stats frame.
type StatsSnapshot = json.RawMessage

// GetStats streams newline-delimited statistics snapshots to sink.
func (c *Client) GetStats(ctx context.Context, id string, stream bool, sink func(StatsSnapshot)) StreamResult {
	resp, err := c.cli.ContainerStats(ctx, id, stream)
	if err != nil {
		if ctx.Err() != nil {
			return StreamResult{Code: CodeCancelled, Message: "interrupted"}
		}
		return StreamResult{Code: CodeError, Message: err.Error()}
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		sink(StatsSnapshot(append([]byte(nil), scanner.Bytes()...)))
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return StreamResult{Code: CodeCancelled, Message: "interrupted"}
		}
		return StreamResult{Code: CodeError, Message: err.Error()}
	}
	return StreamResult{Code: CodeOK}
}
