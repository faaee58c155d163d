// Package execchannel models the sandbox agent's Execution Channel as a
// pure message reducer: a state-reducer (text_parts, image, error) fed by
// the stream iterator so it is straightforwardly unit-testable without a
// real kernel. The message vocabulary is grounded on pkg/picod/jupyter.go's
// executeViaWebSocket switch over the Jupyter kernel wire protocol.
package execchannel

import "strings"

// MessageType enumerates the Jupyter-protocol message kinds the reducer
// understands.
type MessageType int

const (
	// Stream carries a textual chunk to append to the text buffer.
	Stream MessageType = iota
	// ExecuteResult carries the textual representation of the final expression.
	ExecuteResult
	// DisplayData carries an image payload; last one wins.
	DisplayData
	// Error terminates assembly immediately with error info.
	Error
	// IdleStatus is the terminal "assembly complete" signal.
	IdleStatus
)

// KernelMessage is one decoded message from the kernel stream, already
// filtered to the in-flight request's parent message id by the transport
// (cmd/sandboxagent/internal/kernel) before it reaches the reducer.
type KernelMessage struct {
	Type MessageType

	// Text carries the payload for Stream and ExecuteResult messages.
	Text string

	// ImageBase64 carries the payload for DisplayData messages.
	ImageBase64 string

	// ErrorName/ErrorValue/Traceback carry the payload for Error messages.
	ErrorName  string
	ErrorValue string
	Traceback  []string
}

// Result is the assembled outcome of one /execute call, already resolved
// to the text/image/error precedence rule.
type Result struct {
	// Kind classifies the outcome: "ok", "error".
	Kind string

	// Text is populated only when Kind == "ok" and no image was produced.
	Text string
	// ImageBase64 is populated only when Kind == "ok" and an image was produced.
	ImageBase64 string

	// ErrorDetail is populated only when Kind == "error"; it is the
	// textual detail surfaced to the caller in the 400 body.
	ErrorDetail string
}

const (
	// KindOK marks a successful execution, text-or-image result.
	KindOK = "ok"
	// KindError marks a user-code error.
	KindError = "error"
)

// Reduce consumes every message for one in-flight /execute call and
// assembles the final Result. It returns as soon as an Error message or
// the terminal IdleStatus message is observed; any message after that
// point is never read, matching the per-sandbox single-in-flight
// invariant.
func Reduce(msgs <-chan KernelMessage) Result {
	var textParts []string
	var image string

	for msg := range msgs {
		switch msg.Type {
		case Stream, ExecuteResult:
			textParts = append(textParts, msg.Text)
		case DisplayData:
			// Last image wins: overwrite, never append.
			image = msg.ImageBase64
		case Error:
			return Result{
				Kind:        KindError,
				ErrorDetail: formatError(msg),
			}
		case IdleStatus:
			return assemble(textParts, image)
		}
	}

	// The channel closed without a terminal signal (transport-level
	// failure upstream); treat whatever was accumulated as the result of
	// record rather than silently dropping data.
	return assemble(textParts, image)
}

// assemble applies the precedence rule: an image dominates accumulated
// text; accumulated text (possibly empty) is the fallback.
func assemble(textParts []string, image string) Result {
	if image != "" {
		return Result{Kind: KindOK, ImageBase64: image}
	}
	return Result{Kind: KindOK, Text: strings.Join(textParts, "")}
}

func formatError(msg KernelMessage) string {
	var b strings.Builder
	if msg.ErrorName != "" {
		b.WriteString(msg.ErrorName)
		b.WriteString(": ")
	}
	b.WriteString(msg.ErrorValue)
	for _, line := range msg.Traceback {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}
