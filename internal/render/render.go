// Package render writes consumed messages, publish outcomes, settlements and
// connection state changes to stdout,
// either as indented text blocks or as JSON lines, and maps command errors
// to process exit codes.
package render

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Aleph-Alpha/amqpcli/v1/rabbit"
)

// Format selects the output encoding.
type Format string

const (
	// FormatText prints Metadata and Body blocks.
	FormatText Format = "text"

	// FormatJSON prints one JSON object per line.
	FormatJSON Format = "json"
)

// ParseFormat accepts "text" and "json". Empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: unknown output format %q", rabbit.ErrInvalidConfig, s)
}

const (
	blockIndent  = 2
	metaPrefix   = ">"
	bodyPrefix   = ">>"
	jsonIndent   = "    "
	contentJSON  = "application/json"
	encodingB64  = "base64"
	encodingUTF8 = "utf-8"
)

// Renderer serializes output to w. It is safe for concurrent use; each call
// writes one complete record.
type Renderer struct {
	mu     sync.Mutex
	w      io.Writer
	format Format

	// degraded is set between a lost session and its recovery.
	degraded bool
}

// New creates a Renderer writing to w.
func New(w io.Writer, format Format) *Renderer {
	return &Renderer{w: w, format: format}
}

// Message renders a consumed delivery.
func (r *Renderer) Message(msg rabbit.InboundMessage) error {
	if r.format == FormatJSON {
		return r.writeJSON(newMessageRecord(msg))
	}

	var b strings.Builder
	writeBlock(&b, "Metadata", metaPrefix, strings.Join([]string{
		"consumer: " + msg.ConsumerTag,
		"exchange: " + msg.Exchange,
		"routing-key: " + msg.RoutingKey,
		fmt.Sprintf("delivery-tag: %d", msg.DeliveryTag),
		fmt.Sprintf("redelivered: %t", msg.Redelivered),
		fmt.Sprintf("delivery-mode: %d", msg.DeliveryMode),
		"content-type: " + msg.ContentType,
	}, "\n"))
	b.WriteString("\n")

	body := string(msg.Body)
	if msg.ContentType == contentJSON {
		body = PrettyJSON(msg.Body)
	}
	writeBlock(&b, "Body", bodyPrefix, body)
	b.WriteString("\n")

	return r.write(b.String())
}

// PublishResult renders the outcome of one publish.
func (r *Renderer) PublishResult(res rabbit.PublishResult) error {
	if r.format == FormatJSON {
		return r.writeJSON(newPublishRecord(res))
	}
	if res.Outcome == rabbit.Confirmed {
		return r.write(fmt.Sprintf("Message %d delivered!\n", res.Sequence))
	}
	return r.write(fmt.Sprintf("Message %d lost! (%s: %v)\n", res.Sequence, res.Outcome, res.Err))
}

// Emit renders the events reported through a rabbit.Sink: publish outcomes,
// acks, nacks and connection state changes. MessageReceived is skipped since
// the consume handler renders the message itself. In text mode only the loss
// and the recovery of a session are shown; JSON output carries every state
// change.
func (r *Renderer) Emit(event rabbit.Event) {
	switch e := event.(type) {
	case rabbit.MessagePublished:
		_ = r.PublishResult(e.Result)
	case rabbit.MessageAcked:
		_ = r.acked(e)
	case rabbit.MessageNacked:
		_ = r.nacked(e)
	case rabbit.StateChanged:
		_ = r.stateChanged(e)
	}
}

func (r *Renderer) acked(e rabbit.MessageAcked) error {
	if r.format == FormatJSON {
		return r.writeJSON(settleRecord{
			Type:        "ack",
			Queue:       e.Queue,
			Session:     e.Session,
			DeliveryTag: e.DeliveryTag,
		})
	}
	return r.write(fmt.Sprintf("Delivery %d acknowledged\n", e.DeliveryTag))
}

func (r *Renderer) nacked(e rabbit.MessageNacked) error {
	if r.format == FormatJSON {
		rec := settleRecord{
			Type:        "nack",
			Queue:       e.Queue,
			Session:     e.Session,
			DeliveryTag: e.DeliveryTag,
			Requeue:     &e.Requeue,
		}
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
		return r.writeJSON(rec)
	}

	action := "rejected"
	if e.Requeue {
		action = "requeued"
	}
	if e.Err != nil {
		return r.write(fmt.Sprintf("Delivery %d %s (%v)\n", e.DeliveryTag, action, e.Err))
	}
	return r.write(fmt.Sprintf("Delivery %d %s\n", e.DeliveryTag, action))
}

func (r *Renderer) stateChanged(e rabbit.StateChanged) error {
	if r.format == FormatJSON {
		rec := stateRecord{
			Type: "state",
			From: e.From.String(),
			To:   e.To.String(),
			Time: e.At.UTC(),
		}
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
		return r.writeJSON(rec)
	}

	r.mu.Lock()
	var line string
	switch {
	case e.To == rabbit.Degraded:
		r.degraded = true
		if e.Err != nil {
			line = fmt.Sprintf("Connection lost (%v), reconnecting\n", e.Err)
		} else {
			line = "Connection lost, reconnecting\n"
		}
	case e.To == rabbit.Ready && r.degraded:
		r.degraded = false
		line = "Connection re-established\n"
	}
	r.mu.Unlock()

	if line == "" {
		return nil
	}
	return r.write(line)
}

// Summary renders the totals of a repeated publish.
func (r *Renderer) Summary(s rabbit.PublishSummary) error {
	if r.format == FormatJSON {
		return r.writeJSON(summaryRecord{
			Type:           "summary",
			Sent:           s.Sent,
			Confirmed:      s.Confirmed,
			Rejected:       s.Rejected,
			TimedOut:       s.TimedOut,
			ConnectionLost: s.ConnectionLost,
		})
	}
	return r.write(fmt.Sprintf("Sent %d, confirmed %d, rejected %d, timed out %d, connection lost %d\n",
		s.Sent, s.Confirmed, s.Rejected, s.TimedOut, s.ConnectionLost))
}

// PrettyJSON re-indents body with sorted keys. Bodies that are not valid JSON
// are returned unchanged.
func PrettyJSON(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var parsed interface{}
	if err := dec.Decode(&parsed); err != nil || dec.More() {
		return string(body)
	}
	out, err := json.MarshalIndent(parsed, "", jsonIndent)
	if err != nil {
		return string(body)
	}
	return string(out)
}

// writeBlock indents a header and prefixes every line of text.
func writeBlock(b *strings.Builder, header, prefix, text string) {
	pad := strings.Repeat(" ", blockIndent)
	if header != "" {
		b.WriteString(pad + header + "\n")
	}
	for _, line := range strings.Split(text, "\n") {
		b.WriteString(pad + " " + prefix + " " + line + "\n")
	}
}

func (r *Renderer) write(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := io.WriteString(r.w, s)
	return err
}

func (r *Renderer) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.w.Write(append(data, '\n'))
	return err
}

type messageRecord struct {
	Type          string            `json:"type"`
	Queue         string            `json:"queue"`
	Consumer      string            `json:"consumer"`
	Exchange      string            `json:"exchange"`
	RoutingKey    string            `json:"routing_key"`
	DeliveryTag   uint64            `json:"delivery_tag"`
	Redelivered   bool              `json:"redelivered"`
	DeliveryMode  uint8             `json:"delivery_mode"`
	ContentType   string            `json:"content_type,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	MessageID     string            `json:"message_id,omitempty"`
	Timestamp     *time.Time        `json:"timestamp,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Encoding      string            `json:"encoding"`
	Body          string            `json:"body"`
}

func newMessageRecord(msg rabbit.InboundMessage) messageRecord {
	rec := messageRecord{
		Type:          "message",
		Queue:         msg.Queue,
		Consumer:      msg.ConsumerTag,
		Exchange:      msg.Exchange,
		RoutingKey:    msg.RoutingKey,
		DeliveryTag:   msg.DeliveryTag,
		Redelivered:   msg.Redelivered,
		DeliveryMode:  msg.DeliveryMode,
		ContentType:   msg.ContentType,
		CorrelationID: msg.CorrelationID,
		MessageID:     msg.MessageID,
		Headers:       msg.Headers,
	}
	if !msg.Timestamp.IsZero() {
		ts := msg.Timestamp.UTC()
		rec.Timestamp = &ts
	}
	if utf8.Valid(msg.Body) {
		rec.Encoding = encodingUTF8
		rec.Body = string(msg.Body)
	} else {
		rec.Encoding = encodingB64
		rec.Body = base64.StdEncoding.EncodeToString(msg.Body)
	}
	return rec
}

type publishRecord struct {
	Type          string  `json:"type"`
	Session       uint64  `json:"session"`
	Sequence      uint64  `json:"sequence"`
	MessageID     string  `json:"message_id"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Outcome       string  `json:"outcome"`
	Error         string  `json:"error,omitempty"`
	Size          int     `json:"size"`
	DurationMs    float64 `json:"duration_ms"`
}

func newPublishRecord(res rabbit.PublishResult) publishRecord {
	rec := publishRecord{
		Type:          "publish",
		Session:       res.Session,
		Sequence:      res.Sequence,
		MessageID:     res.MessageID,
		CorrelationID: res.CorrelationID,
		Outcome:       res.Outcome.String(),
		Size:          res.Size,
		DurationMs:    float64(res.Duration.Microseconds()) / 1000,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

type summaryRecord struct {
	Type           string `json:"type"`
	Sent           int    `json:"sent"`
	Confirmed      int    `json:"confirmed"`
	Rejected       int    `json:"rejected"`
	TimedOut       int    `json:"timed_out"`
	ConnectionLost int    `json:"connection_lost"`
}

type settleRecord struct {
	Type        string `json:"type"`
	Queue       string `json:"queue"`
	Session     uint64 `json:"session"`
	DeliveryTag uint64 `json:"delivery_tag"`
	Requeue     *bool  `json:"requeue,omitempty"`
	Error       string `json:"error,omitempty"`
}

type stateRecord struct {
	Type  string    `json:"type"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}
