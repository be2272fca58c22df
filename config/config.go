package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "config.ini"

// Config is the cluster snapshot shared by the listener and the broadcaster.
// It is never modified after Load returns.
type Config struct {
	SelfID int            `json:"self_id"`
	Port   uint16         `json:"port"`
	Peers  map[int]string `json:"peers"`
}

// Peer is one entry of the cluster table.
type Peer struct {
	ID   int    `json:"id"`
	Addr string `json:"address"`
}

// IoError is returned when the configuration file cannot be read.
type IoError struct {
	File string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("error reading %s: %v", e.File, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// ParseError reports a malformed line. Line is 1-based.
type ParseError struct {
	File   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("error reading file %s in line %d: %s", e.File, e.Line, e.Reason)
}

// MissingError reports a required field that no line provided.
type MissingError struct {
	File  string
	Field string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("error reading %s: %s not specified", e.File, e.Field)
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IoError{File: path, Err: err}
	}
	defer f.Close()

	return Parse(f, path)
}

// Parse reads a configuration from r. name is only used in error messages.
//
// Each non-blank line is key=value with optional whitespace around both parts.
// Lines starting with '#' are comments. When a key appears more than once the
// later line wins.
func Parse(r io.Reader, name string) (*Config, error) {
	var (
		selfID  int
		hasSelf bool
		port    uint16
		hasPort bool
		peers   = make(map[int]string)
	)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		parts := strings.Split(text, "=")
		if len(parts) != 2 {
			return nil, &ParseError{File: name, Line: line, Reason: "invalid line format"}
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "self":
			id, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return nil, &ParseError{File: name, Line: line, Reason: "error parsing self identifier"}
			}
			selfID, hasSelf = int(id), true
		case "port":
			p, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return nil, &ParseError{File: name, Line: line, Reason: "error parsing port value"}
			}
			port, hasPort = uint16(p), true
		default:
			id, err := strconv.ParseInt(key, 10, 32)
			if err != nil {
				return nil, &ParseError{File: name, Line: line, Reason: fmt.Sprintf("invalid key %q", key)}
			}
			if err := validateAddr(value); err != nil {
				return nil, &ParseError{File: name, Line: line, Reason: "error parsing peer address: " + err.Error()}
			}
			peers[int(id)] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{File: name, Line: line + 1, Reason: err.Error()}
	}

	if !hasSelf {
		return nil, &MissingError{File: name, Field: "self identifier"}
	}
	if !hasPort {
		return nil, &MissingError{File: name, Field: "port"}
	}
	if _, ok := peers[selfID]; !ok {
		return nil, &MissingError{File: name, Field: fmt.Sprintf("address for self (%d)", selfID)}
	}

	return &Config{SelfID: selfID, Port: port, Peers: peers}, nil
}

// validateAddr accepts host:port and ip:port forms, including bracketed IPv6.
func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", addr)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// SelfAddr returns the address the inbound listener binds.
func (c *Config) SelfAddr() string {
	return c.Peers[c.SelfID]
}

// RemotePeers returns every peer except self, ordered by id.
func (c *Config) RemotePeers() []Peer {
	peers := make([]Peer, 0, len(c.Peers))
	for id, addr := range c.Peers {
		if id == c.SelfID {
			continue
		}
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	peers := make(map[int]string, len(c.Peers))
	for id, addr := range c.Peers {
		peers[id] = addr
	}
	return &Config{SelfID: c.SelfID, Port: c.Port, Peers: peers}
}

// Equal reports whether both configurations describe the same cluster.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.SelfID != other.SelfID || c.Port != other.Port || len(c.Peers) != len(other.Peers) {
		return false
	}
	for id, addr := range c.Peers {
		if o, ok := other.Peers[id]; !ok || o != addr {
			return false
		}
	}
	return true
}
