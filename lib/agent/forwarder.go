package agent

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/whoamikiddie/ztunnel/lib/protocol"
)

// maxHeaderReadIterations bounds the read loop hunting for the
// "\r\n\r\n" header terminator, guarding against a pathological or
// silent local server (spec §4.7 step 4).
const maxHeaderReadIterations = 4096

// forwardReadBufferSize is the chunk size used for each loopback read.
const forwardReadBufferSize = 4096

// dialTimeout bounds the loopback connection attempt.
const dialTimeout = 5 * time.Second

// Forwarder turns a relayed Request record into a real loopback HTTP
// exchange against the locally-exposed service (spec §4.7).
type Forwarder struct {
	LocalHost string
	LocalPort int
}

// NewForwarder constructs a Forwarder targeting host:port.
func NewForwarder(host string, port int) *Forwarder {
	return &Forwarder{LocalHost: host, LocalPort: port}
}

// Forward opens a fresh loopback connection, writes req as a textual
// HTTP/1.1 request, reads and parses the response, and returns a Response
// record carrying req's id. Any failure surfaces as an error; the caller's
// job per spec §4.7 is to drop the frame entirely on error, letting the
// relay's own timeout path handle it.
func (f *Forwarder) Forward(req *protocol.Request) (*protocol.Response, error) {
	addr := net.JoinHostPort(f.LocalHost, strconv.Itoa(f.LocalPort))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing local service at %s", addr)
	}
	defer conn.Close()

	if err := writeHTTPRequest(conn, req); err != nil {
		return nil, trace.Wrap(err, "writing request to local service")
	}

	resp, err := readHTTPResponse(conn)
	if err != nil {
		return nil, trace.Wrap(err, "reading response from local service")
	}
	resp.ID = req.ID
	return resp, nil
}

// writeHTTPRequest serializes req as a textual HTTP/1.1 message (spec §4.7
// step 3): request line, a synthesised Host header, every advertised header
// preserved verbatim, a corrected Content-Length when a body is present,
// blank line, body.
func writeHTTPRequest(w io.Writer, req *protocol.Request) error {
	var buf bytes.Buffer
	method := req.Method
	if method == "" {
		method = "GET"
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, path)

	hasHost := false
	for _, kv := range req.Headers {
		if strings.EqualFold(kv.Name, "Host") {
			hasHost = true
		}
		if strings.EqualFold(kv.Name, "Content-Length") {
			continue // rewritten below to match the actual body length
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", kv.Name, kv.Value)
	}
	if !hasHost {
		fmt.Fprintf(&buf, "Host: %s\r\n", "local")
	}
	if req.Body != nil {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(req.Body))
	}
	buf.WriteString("\r\n")
	buf.Write(req.Body)

	_, err := w.Write(buf.Bytes())
	return err
}

// readHTTPResponse reads raw bytes from conn until the header terminator is
// found, parses the status line and headers, and reads the body according
// to Content-Length if present (spec §4.7 steps 4-6).
func readHTTPResponse(conn net.Conn) (*protocol.Response, error) {
	var raw bytes.Buffer
	chunk := make([]byte, forwardReadBufferSize)
	headerEnd := -1

	for i := 0; i < maxHeaderReadIterations; i++ {
		n, err := conn.Read(chunk)
		if n > 0 {
			raw.Write(chunk[:n])
			if idx := bytes.Index(raw.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
				headerEnd = idx
				break
			}
		}
		if err != nil {
			if headerEnd < 0 {
				return nil, trace.Wrap(err, "connection closed before headers were complete")
			}
			break
		}
	}
	if headerEnd < 0 {
		return nil, trace.LimitExceeded("exceeded header read bound without finding terminator")
	}

	headerBlock := raw.Bytes()[:headerEnd]
	body := append([]byte(nil), raw.Bytes()[headerEnd+4:]...)

	status, headers, err := parseStatusAndHeaders(headerBlock)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	contentLength, hasCL := headers.Get("Content-Length")
	if hasCL {
		want, err := strconv.Atoi(strings.TrimSpace(contentLength))
		if err == nil && want >= 0 {
			body = readToLength(conn, body, want)
		}
	}

	return &protocol.Response{
		Status:  status,
		Headers: headers,
		Body:    body,
	}, nil
}

// readToLength grows or truncates body until it reaches want bytes,
// reading more from conn as needed and stopping early on EOF (spec §4.7
// step 5, and SPEC_FULL §9's Content-Length-mismatch resolution: truncate
// on overrun, accept partial on underrun).
func readToLength(conn net.Conn, body []byte, want int) []byte {
	if len(body) > want {
		return body[:want]
	}
	chunk := make([]byte, forwardReadBufferSize)
	for len(body) < want {
		n, err := conn.Read(chunk)
		if n > 0 {
			remaining := want - len(body)
			if n > remaining {
				n = remaining
			}
			body = append(body, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return body
}

// parseStatusAndHeaders parses a raw "STATUS-LINE\r\nHeader: value\r\n..."
// block (without the trailing blank-line terminator) into a status code
// and an ordered header sequence (spec §4.7 step 4).
func parseStatusAndHeaders(block []byte) (uint16, protocol.Headers, error) {
	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return 0, nil, trace.BadParameter("empty status line")
	}

	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return 0, nil, trace.BadParameter("malformed status line %q", lines[0])
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, nil, trace.BadParameter("malformed status code %q", fields[1])
	}

	var headers protocol.Headers
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		headers = append(headers, protocol.Header{Name: name, Value: value})
	}
	return uint16(code), headers, nil
}
