package gateway

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ispbase/netcore/internal/models"
)

// snapshotSections are the configuration areas captured into a backup
var snapshotSections = []string{
	"/ip/pool/print",
	"/ppp/secret/print",
	"/ppp/profile/print",
	"/queue/simple/print",
}

// Mikrotik talks the RouterOS binary API (default port 8728)
type Mikrotik struct {
	timeout time.Duration
}

// NewMikrotik creates the RouterOS adapter with a per-command timeout
func NewMikrotik(timeout time.Duration) *Mikrotik {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Mikrotik{timeout: timeout}
}

// conn is one authenticated API session
type mikrotikConn struct {
	net.Conn
	timeout time.Duration
}

func (m *Mikrotik) dial(ctx context.Context, device *models.Device) (*mikrotikConn, error) {
	d := net.Dialer{Timeout: m.timeout}
	raw, err := d.DialContext(ctx, "tcp", device.APIAddress())
	if err != nil {
		return nil, classifyNetErr(err)
	}
	c := &mikrotikConn{Conn: raw, timeout: m.timeout}
	c.SetDeadline(time.Now().Add(m.timeout))

	if err := c.login(device.APIUsername, device.APIPassword); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// login authenticates, handling both the plain post-6.43 login and the
// legacy MD5 challenge-response
func (c *mikrotikConn) login(username, password string) error {
	if err := c.writeSentence([]string{"/login", "=name=" + username, "=password=" + password}); err != nil {
		return classifyNetErr(err)
	}
	words, err := c.readResponse()
	if err != nil {
		return classifyNetErr(err)
	}

	for _, word := range words {
		if strings.HasPrefix(word, "=ret=") {
			challenge := strings.TrimPrefix(word, "=ret=")
			return c.challengeLogin(username, password, challenge)
		}
		if strings.HasPrefix(word, "!trap") || strings.HasPrefix(word, "=message=") {
			return fmt.Errorf("%w: authentication failed", ErrUnreachable)
		}
	}
	return nil
}

// challengeLogin performs the pre-6.43 MD5 challenge-response login
func (c *mikrotikConn) challengeLogin(username, password, challenge string) error {
	challengeBytes, err := hex.DecodeString(challenge)
	if err != nil {
		return fmt.Errorf("%w: bad login challenge", ErrUnreachable)
	}

	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte(password))
	h.Write(challengeBytes)
	response := hex.EncodeToString(h.Sum(nil))

	if err := c.writeSentence([]string{"/login", "=name=" + username, "=response=00" + response}); err != nil {
		return classifyNetErr(err)
	}
	words, err := c.readResponse()
	if err != nil {
		return classifyNetErr(err)
	}
	for _, word := range words {
		if strings.HasPrefix(word, "!trap") {
			return fmt.Errorf("%w: authentication failed", ErrUnreachable)
		}
	}
	return nil
}

func (c *mikrotikConn) writeSentence(words []string) error {
	for _, word := range words {
		if err := writeWord(c, word); err != nil {
			return err
		}
	}
	return writeWord(c, "")
}

// readResponse reads words until the terminating !done sentence
func (c *mikrotikConn) readResponse() ([]string, error) {
	var words []string
	gotDone := false
	for {
		word, err := readWord(c)
		if err != nil {
			return words, err
		}
		if word == "" {
			if gotDone {
				return words, nil
			}
			continue
		}
		words = append(words, word)
		if word == "!done" {
			gotDone = true
		}
	}
}

// run sends one sentence and parses the reply rows. A !trap reply surfaces
// as ErrRejected with the device's message.
func (c *mikrotikConn) run(sentence []string) ([]map[string]string, error) {
	c.SetDeadline(time.Now().Add(c.timeout))

	if err := c.writeSentence(sentence); err != nil {
		return nil, classifyNetErr(err)
	}
	words, err := c.readResponse()
	if err != nil {
		return nil, classifyNetErr(err)
	}

	var rows []map[string]string
	current := make(map[string]string)
	trapped := false
	trapMessage := ""

	for _, word := range words {
		switch {
		case word == "!re":
			if len(current) > 0 {
				rows = append(rows, current)
				current = make(map[string]string)
			}
		case word == "!trap":
			trapped = true
		case strings.HasPrefix(word, "="):
			parts := strings.SplitN(word[1:], "=", 2)
			if len(parts) == 2 {
				if trapped && parts[0] == "message" {
					trapMessage = parts[1]
				}
				current[parts[0]] = parts[1]
			} else if len(parts) == 1 {
				current[parts[0]] = ""
			}
		case word == "!done":
			if len(current) > 0 {
				rows = append(rows, current)
			}
		}
	}

	if trapped {
		if trapMessage == "" {
			trapMessage = "command refused"
		}
		return rows, fmt.Errorf("%w: %s", ErrRejected, trapMessage)
	}
	return rows, nil
}

// Execute runs one command against the device. A fresh session per command
// keeps commands independently retryable.
func (m *Mikrotik) Execute(ctx context.Context, device *models.Device, cmd Command) (*CommandResult, error) {
	conn, err := m.dial(ctx, device)
	if err != nil {
		return &CommandResult{Success: false, Error: err.Error()}, err
	}
	defer conn.Close()

	rows, err := conn.run(cmd.Sentence())
	if err != nil {
		return &CommandResult{Success: false, Output: rows, Error: err.Error()}, err
	}
	return &CommandResult{Success: true, Output: rows}, nil
}

// CheckHealth probes reachability, authentication and identity
func (m *Mikrotik) CheckHealth(ctx context.Context, device *models.Device) (*HealthResult, error) {
	start := time.Now()
	conn, err := m.dial(ctx, device)
	if err != nil {
		return &HealthResult{Reachable: false, Error: err.Error()}, err
	}
	defer conn.Close()

	result := &HealthResult{Reachable: true, LatencyMs: time.Since(start).Milliseconds()}

	rows, err := conn.run([]string{"/system/identity/print"})
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	if len(rows) > 0 {
		result.Identity = rows[0]["name"]
	}
	return result, nil
}

// FetchConfigSnapshot captures the provisioning-relevant sections as JSON
func (m *Mikrotik) FetchConfigSnapshot(ctx context.Context, device *models.Device) (json.RawMessage, error) {
	conn, err := m.dial(ctx, device)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	snapshot := make(map[string][]map[string]string, len(snapshotSections))
	for _, section := range snapshotSections {
		rows, err := conn.run([]string{section})
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", section, err)
		}
		snapshot[section] = rows
	}
	return json.Marshal(snapshot)
}

// classifyNetErr maps transport failures onto the gateway taxonomy
func classifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
