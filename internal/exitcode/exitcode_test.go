package exitcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormat(t *testing.T) {
	err := New(WrongDataType, TagWrongDataType, "This data type (%s) is not allowed", "IPV4")
	assert.Equal(t, "[21-WRONG DATA TYPE] This data type (IPV4) is not allowed", err.Error())
}

func TestCode(t *testing.T) {
	assert.Equal(t, 0, Code(nil))
	assert.Equal(t, 1, Code(errors.New("plain")))

	coded := New(AnalyzerNotFound, TagAnalyzerNotFound, "missing")
	assert.Equal(t, 22, Code(coded))

	wrapped := fmt.Errorf("outer: %w", coded)
	assert.Equal(t, 22, Code(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(JobFailure, TagJobFailure, cause, "%v", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "[127-JOB FAILURE] connection refused", err.Error())
}
