package execchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func send(messages ...KernelMessage) Result {
	ch := make(chan KernelMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}
	close(ch)
	return Reduce(ch)
}

// Result precedence: image dominates accumulated text when both are present.
func TestReduce_ImageDominatesText(t *testing.T) {
	result := send(
		KernelMessage{Type: Stream, Text: "hello\n"},
		KernelMessage{Type: ExecuteResult, Text: "42"},
		KernelMessage{Type: DisplayData, ImageBase64: "iVBORw0KG..."},
		KernelMessage{Type: IdleStatus},
	)

	require.Equal(t, KindOK, result.Kind)
	assert.Equal(t, "iVBORw0KG...", result.ImageBase64)
	assert.Empty(t, result.Text)
}

func TestReduce_TextOnlyWhenNoImage(t *testing.T) {
	result := send(
		KernelMessage{Type: Stream, Text: "101\n"},
		KernelMessage{Type: IdleStatus},
	)

	require.Equal(t, KindOK, result.Kind)
	assert.Equal(t, "101\n", result.Text)
	assert.Empty(t, result.ImageBase64)
}

// Error dominates regardless of any buffered text/image.
func TestReduce_ErrorDominatesBufferedOutput(t *testing.T) {
	result := send(
		KernelMessage{Type: Stream, Text: "partial output"},
		KernelMessage{Type: DisplayData, ImageBase64: "somebase64"},
		KernelMessage{Type: Error, ErrorName: "SyntaxError", ErrorValue: "invalid syntax"},
		// Messages after an Error are never read by Reduce.
	)

	require.Equal(t, KindError, result.Kind)
	assert.Contains(t, result.ErrorDetail, "SyntaxError")
	assert.Contains(t, result.ErrorDetail, "invalid syntax")
}

func TestReduce_LastImageWins(t *testing.T) {
	result := send(
		KernelMessage{Type: DisplayData, ImageBase64: "first"},
		KernelMessage{Type: DisplayData, ImageBase64: "second"},
		KernelMessage{Type: IdleStatus},
	)

	require.Equal(t, KindOK, result.Kind)
	assert.Equal(t, "second", result.ImageBase64)
}

func TestReduce_EmptyTextOnNoOutput(t *testing.T) {
	result := send(KernelMessage{Type: IdleStatus})

	require.Equal(t, KindOK, result.Kind)
	assert.Empty(t, result.Text)
	assert.Empty(t, result.ImageBase64)
}

func TestReduce_StreamChunksAccumulateInOrder(t *testing.T) {
	result := send(
		KernelMessage{Type: Stream, Text: "a"},
		KernelMessage{Type: Stream, Text: "b"},
		KernelMessage{Type: Stream, Text: "c"},
		KernelMessage{Type: IdleStatus},
	)

	require.Equal(t, KindOK, result.Kind)
	assert.Equal(t, "abc", result.Text)
}
