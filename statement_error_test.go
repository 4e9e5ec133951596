package delta

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementError_String(t *testing.T) {
	se := &StatementError{
		ErrorCode: "BAD_REQUEST",
		Message:   "[PARSE_SYNTAX_ERROR] Syntax error at or near 'SELEC'",
	}
	assert.Equal(t, "BAD_REQUEST: [PARSE_SYNTAX_ERROR] Syntax error at or near 'SELEC'", se.String())
	assert.Equal(t, se.String(), se.Error())

	assert.Equal(t, "syntax error", (&StatementError{Message: "syntax error"}).Error())
}

func TestStatementError_NilString(t *testing.T) {
	var se *StatementError
	assert.Equal(t, "nil StatementError", se.String())
}

func TestConfigurationError(t *testing.T) {
	err := error(&ConfigurationError{Missing: []string{"warehouse id", "token"}})
	assert.Equal(t, "delta: missing warehouse id, token", err.Error())
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NotErrorIs(t, err, ErrProtocol)
}

func TestProtocolError(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := error(&ProtocolError{StatementId: "01ef", Message: "malformed response", Err: cause})

	assert.Equal(t, "delta: malformed response (statement 01ef): unexpected EOF", err.Error())
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, cause)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "01ef", pe.StatementId)

	assert.Equal(t, "delta: no result", protocolErrorf("", "no result").Error())
}

func TestFieldDecodeError(t *testing.T) {
	_, cause := strconv.Atoi("x")
	err := error(&FieldDecodeError{Column: "id", Type: "INT", Raw: "x", Err: cause})

	assert.Contains(t, err.Error(), "column id")
	assert.Contains(t, err.Error(), `"x"`)
	assert.ErrorIs(t, err, ErrFieldDecode)
	assert.ErrorIs(t, err, strconv.ErrSyntax)
}
