package soap

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

const successResponse = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ns1="urn:AC">
<SOAP-ENV:Body><ns1:executeCommandResponse><result>%s</result></ns1:executeCommandResponse></SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

const faultResponse = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">
<SOAP-ENV:Body><SOAP-ENV:Fault><faultcode>SOAP-ENV:Client</faultcode><faultstring>There is no such command.</faultstring></SOAP-ENV:Fault></SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	host, portText, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	return NewClient(Config{Host: host, Port: port, User: "admin", Password: "secret"}, logging.Nop())
}

func TestClient_ExecuteSuccess(t *testing.T) {
	var gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, http.MethodPost, r.Method)

		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(strings.Replace(successResponse, "%s", "Announced &amp; done", 1)))
	})

	result := client.Execute(context.Background(), `announce <hello> & bye`)
	assert.True(t, result.Success)
	assert.Equal(t, "Announced & done", result.Message)
	assert.Contains(t, gotBody, "<ns1:executeCommand>")
	assert.Contains(t, gotBody, "announce &lt;hello&gt; &amp; bye")
}

func TestClient_ExecuteFault(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(faultResponse))
	})

	result := client.Execute(context.Background(), "bogus")
	assert.False(t, result.Success)
	assert.Equal(t, "There is no such command.", result.Message)
}

func TestClient_ExecuteUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	result := client.Execute(context.Background(), "server info")
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "401")
}

func TestClient_ExecuteTransportFailure(t *testing.T) {
	client := NewClient(Config{Host: "127.0.0.1", Port: 1, Timeout: 200 * time.Millisecond}, logging.Nop())

	result := client.Execute(context.Background(), "server info")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Message)
}

func TestClient_ServerInfo(t *testing.T) {
	text := "AzerothCore rev. 1a2b3c\r\nConnected players: 12. Characters in world: 14.\r\nConnection peak: 20.\r\nServer uptime: 3 hour(s) 4 minute(s)\r\n"
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Replace(successResponse, "%s", text, 1)))
	})

	info := client.ServerInfo(context.Background())
	require.NotNil(t, info)
	assert.Equal(t, "3 hour(s) 4 minute(s)", info.Uptime)
	assert.Equal(t, 12, info.Players)
	assert.Equal(t, 14, info.Characters)
}

func TestClient_ServerInfoFailureIsNil(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(faultResponse))
	})

	assert.Nil(t, client.ServerInfo(context.Background()))
}

func TestParseServerInfo(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected ServerInfo
	}{
		{
			name:     "empty text uses defaults",
			text:     "",
			expected: ServerInfo{Raw: "", Uptime: "unknown"},
		},
		{
			name: "all fields",
			text: "Connected players: 3. Characters in world: 5.\nServer uptime: 10 second(s)\n",
			expected: ServerInfo{
				Raw:        "Connected players: 3. Characters in world: 5.\nServer uptime: 10 second(s)\n",
				Uptime:     "10 second(s)",
				Players:    3,
				Characters: 5,
			},
		},
		{
			name:     "uptime without line terminator is not matched",
			text:     "Server uptime: 1 minute(s)",
			expected: ServerInfo{Raw: "Server uptime: 1 minute(s)", Uptime: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseServerInfo(tt.text))
		})
	}
}
