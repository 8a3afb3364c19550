package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_GetAshigaruStatus(t *testing.T) {
	calls := Parse("TOOL:getAshigaruStatus")
	require.Len(t, calls, 1)
	assert.Equal(t, GetAshigaruStatus, calls[0].Name)
	assert.NoError(t, calls[0].Err)
}

func TestParse_WaitForMessage(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		timeoutMs int
		wantErr   bool
	}{
		{name: "bare", line: "TOOL:waitForMessage", timeoutMs: 0},
		{name: "with timeout", line: "TOOL:waitForMessage timeoutMs=5000", timeoutMs: 5000},
		{name: "bad timeout", line: "TOOL:waitForMessage timeoutMs=soon", wantErr: true},
		{name: "negative timeout", line: "TOOL:waitForMessage timeoutMs=-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := Parse(tt.line)
			require.Len(t, calls, 1)
			require.Equal(t, WaitForMessage, calls[0].Name)
			if tt.wantErr {
				require.Error(t, calls[0].Err)
				return
			}
			require.NoError(t, calls[0].Err)
			assert.Equal(t, tt.timeoutMs, calls[0].TimeoutMs)
		})
	}
}

func TestParse_SendMessage(t *testing.T) {
	calls := Parse(`TOOL:sendMessage to=karou title="sub task" body="line one\nline two"`)
	require.Len(t, calls, 1)
	c := calls[0]
	require.NoError(t, c.Err)
	assert.Equal(t, SendMessage, c.Name)
	assert.Equal(t, []string{"karou"}, c.To)
	assert.Equal(t, "sub task", c.Title)
	assert.Equal(t, "line one\nline two", c.Body)
}

func TestParse_SendMessage_MultipleRecipients(t *testing.T) {
	calls := Parse(`TOOL:sendMessage to=ashigaru1,ashigaru2 title=fanout body=go`)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"ashigaru1", "ashigaru2"}, calls[0].To)
	assert.Equal(t, "fanout", calls[0].Title)
	assert.Equal(t, "go", calls[0].Body)
}

func TestParse_SendMessage_BodyFile(t *testing.T) {
	calls := Parse(`TOOL:sendMessage to=karou title=report bodyFile='notes/report.md'`)
	require.Len(t, calls, 1)
	assert.Equal(t, "notes/report.md", calls[0].BodyFile)
	assert.Empty(t, calls[0].Body)
}

func TestParse_QuotingAndEscapes(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "double quotes", line: `TOOL:sendMessage to=karou title=t body="hello world"`, want: "hello world"},
		{name: "single quotes", line: `TOOL:sendMessage to=karou title=t body='hello world'`, want: "hello world"},
		{name: "escaped backslash", line: `TOOL:sendMessage to=karou title=t body="a\\b"`, want: `a\b`},
		{name: "escaped double quote", line: `TOOL:sendMessage to=karou title=t body="say \"hi\""`, want: `say "hi"`},
		{name: "escaped single quote", line: `TOOL:sendMessage to=karou title=t body='it\'s'`, want: "it's"},
		{name: "newline escape", line: `TOOL:sendMessage to=karou title=t body="a\nb"`, want: "a\nb"},
		{name: "unknown escape preserved", line: `TOOL:sendMessage to=karou title=t body="a\tb"`, want: `a\tb`},
		{name: "single quotes keep double", line: `TOOL:sendMessage to=karou title=t body='say "hi"'`, want: `say "hi"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := Parse(tt.line)
			require.Len(t, calls, 1)
			require.NoError(t, calls[0].Err)
			assert.Equal(t, tt.want, calls[0].Body)
		})
	}
}

func TestParse_MalformedArgs(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "unterminated quote", line: `TOOL:sendMessage to=karou title="oops`},
		{name: "dangling escape", line: `TOOL:sendMessage to=karou title="oops\`},
		{name: "missing equals", line: `TOOL:sendMessage to`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := Parse(tt.line)
			require.Len(t, calls, 1)
			assert.Error(t, calls[0].Err)
		})
	}
}

func TestParse_InterruptAgent(t *testing.T) {
	calls := Parse(`TOOL:interruptAgent to=ashigaru1,ashigaru3 title=halt body="new orders"`)
	require.Len(t, calls, 1)
	c := calls[0]
	require.NoError(t, c.Err)
	assert.Equal(t, InterruptAgent, c.Name)
	assert.Equal(t, []string{"ashigaru1", "ashigaru3"}, c.To)
	assert.Equal(t, "halt", c.Title)
	assert.Equal(t, "new orders", c.Body)
}

func TestParse_JSONVariant(t *testing.T) {
	calls := Parse(`TOOL sendMessage {"to":"karou","title":"sub","body":"A"}`)
	require.Len(t, calls, 1)
	c := calls[0]
	require.NoError(t, c.Err)
	assert.Equal(t, SendMessage, c.Name)
	assert.Equal(t, []string{"karou"}, c.To)
	assert.Equal(t, "sub", c.Title)
	assert.Equal(t, "A", c.Body)
}

func TestParse_JSONVariant_ToArray(t *testing.T) {
	calls := Parse(`TOOL sendMessage {"to":["ashigaru1","ashigaru2"],"title":"t","body":"b"}`)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"ashigaru1", "ashigaru2"}, calls[0].To)
}

func TestParse_JSONVariant_Malformed(t *testing.T) {
	calls := Parse(`TOOL sendMessage {"to":`)
	require.Len(t, calls, 1)
	assert.Equal(t, SendMessage, calls[0].Name)
	assert.Error(t, calls[0].Err)
}

func TestParse_JSONVariant_UnknownTool(t *testing.T) {
	assert.Empty(t, Parse(`TOOL launchMissiles {"to":"karou"}`))
}

func TestParse_MultipleLines(t *testing.T) {
	output := "Working on it.\n" +
		"TOOL:sendMessage to=ashigaru1 title=a body=one\n" +
		"\n" +
		"TOOL:sendMessage to=ashigaru2 title=b body=two\n" +
		"Done."

	calls := Parse(output)
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"ashigaru1"}, calls[0].To)
	assert.Equal(t, []string{"ashigaru2"}, calls[1].To)
}

func TestParse_PlainTextIgnored(t *testing.T) {
	assert.Empty(t, Parse("just a normal reply\nwith two lines"))
	assert.Empty(t, Parse("TOOLING is not a marker"))
}

func TestHasToolMarker(t *testing.T) {
	assert.True(t, HasToolMarker("TOOL:waitForMessage"))
	assert.True(t, HasToolMarker("some text\nTOOL:getAshigaruStatus"))
	assert.True(t, HasToolMarker(`TOOL sendMessage {"to":"karou"}`))
	assert.False(t, HasToolMarker("plain reply"))
	assert.False(t, HasToolMarker("TOOL belt inventory"))
}

func TestParse_IndentedLines(t *testing.T) {
	calls := Parse("  TOOL:sendMessage to=karou title=t body=b")
	require.Len(t, calls, 1)
	assert.Equal(t, SendMessage, calls[0].Name)
}
