// Package soap is a client for the world server's SOAP remote console.
package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

const DefaultTimeout = 5 * time.Second

type Config struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// Result is the outcome of one remote command
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ServerInfo is derived from the free-text answer to "server info"
type ServerInfo struct {
	Raw        string `json:"raw"`
	Uptime     string `json:"uptime"`
	Players    int    `json:"players"`
	Characters int    `json:"characters"`
}

type Client struct {
	url      string
	user     string
	password string
	http     *http.Client
	logger   logging.Logger
}

func NewClient(config Config, logger logging.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:      fmt.Sprintf("http://%s:%d/", config.Host, config.Port),
		user:     config.User,
		password: config.Password,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

const envelopeTemplate = `<?xml version="1.0" encoding="utf-8"?>
<SOAP-ENV:Envelope
  xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"
  xmlns:ns1="urn:AC"
  xmlns:xsd="http://www.w3.org/2001/XMLSchema"
  xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
  xmlns:SOAP-ENC="http://schemas.xmlsoap.org/soap/encoding/"
  SOAP-ENV:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <SOAP-ENV:Body>
    <ns1:executeCommand>
      <command xsi:type="xsd:string">%s</command>
    </ns1:executeCommand>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

func buildEnvelope(command string) ([]byte, error) {
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(command)); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(envelopeTemplate, escaped.String())), nil
}

// envelope matches response elements by local name, ignoring SOAP prefixes
type envelope struct {
	Body struct {
		Fault *struct {
			FaultString string `xml:"faultstring"`
		} `xml:"Fault"`
		Response *struct {
			Result string `xml:"result"`
		} `xml:"executeCommandResponse"`
	} `xml:"Body"`
}

// Execute runs a console command. Transport failures and SOAP faults are
// reported as an unsuccessful Result rather than an error.
func (c *Client) Execute(ctx context.Context, command string) Result {
	body, err := buildEnvelope(command)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debugf("Remote command transport failed, command: %q, error: %v", command, err)
		return Result{Success: false, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	var env envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Result{Success: false, Message: fmt.Sprintf("unexpected HTTP status %s", resp.Status)}
		}
		return Result{Success: false, Message: fmt.Sprintf("malformed SOAP response: %v", err)}
	}

	if env.Body.Fault != nil {
		message := strings.TrimSpace(env.Body.Fault.FaultString)
		if message == "" {
			message = "SOAP fault"
		}
		return Result{Success: false, Message: message}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Success: false, Message: fmt.Sprintf("unexpected HTTP status %s", resp.Status)}
	}

	result := ""
	if env.Body.Response != nil {
		result = env.Body.Response.Result
	}
	return Result{Success: true, Message: result}
}

// ServerInfo queries "server info". It returns nil if the command failed.
func (c *Client) ServerInfo(ctx context.Context) *ServerInfo {
	result := c.Execute(ctx, "server info")
	if !result.Success {
		return nil
	}
	info := ParseServerInfo(result.Message)
	return &info
}

var (
	uptimePattern     = regexp.MustCompile(`(?i)Server uptime:\s*(.+?)[\r\n]`)
	playersPattern    = regexp.MustCompile(`(?i)Connected players:\s*(\d+)`)
	charactersPattern = regexp.MustCompile(`(?i)Characters in world:\s*(\d+)`)
)

// ParseServerInfo extracts uptime, connected players and characters in
// world. Missing fields default to "unknown" and 0.
func ParseServerInfo(text string) ServerInfo {
	info := ServerInfo{
		Raw:    text,
		Uptime: "unknown",
	}
	if m := uptimePattern.FindStringSubmatch(text); m != nil {
		info.Uptime = strings.TrimSpace(m[1])
	}
	if m := playersPattern.FindStringSubmatch(text); m != nil {
		info.Players, _ = strconv.Atoi(m[1])
	}
	if m := charactersPattern.FindStringSubmatch(text); m != nil {
		info.Characters, _ = strconv.Atoi(m[1])
	}
	return info
}
