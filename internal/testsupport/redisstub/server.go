// Package redisstub runs an in-process server speaking enough of the Redis
// protocol to exercise the key-value cache driver: PING, AUTH, GET, SET with
// EX/PX/NX, DEL, EXISTS, and PTTL.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	commands map[string]int
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
	now      func() time.Time
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
		now:      time.Now,
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Advance moves the server clock forward so TTL expiry can be tested without
// sleeping.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.now
	s.now = func() time.Time { return base().Add(d) }
}

// Value returns the raw value stored under key.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(key)
	if !ok {
		return "", false
	}
	return entry.value, true
}

// CommandCount reports how many times a command was dispatched.
func (s *Server) CommandCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "HELLO":
			if err := writeError(writer, "ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "CLIENT", "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				if err := writeError(writer, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
				continue
			}
			if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if err := s.dispatch(writer, cmd, args); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	s.mu.Lock()
	s.commands[cmd]++
	s.mu.Unlock()

	switch cmd {
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.Value(args[1])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "SET":
		return s.handleSet(writer, args)
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'")
		}
		removed := 0
		s.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.lookup(key); ok {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, int64(removed))
	case "EXISTS":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'exists'")
		}
		found := 0
		for _, key := range args[1:] {
			if _, ok := s.Value(key); ok {
				found++
			}
		}
		return writeInteger(writer, int64(found))
	case "PTTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'pttl'")
		}
		return writeInteger(writer, s.pttl(args[1]))
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	var ttl time.Duration
	onlyIfAbsent := false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			onlyIfAbsent = true
		case "KEEPTTL":
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || amount <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command")
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(amount) * time.Second
			} else {
				ttl = time.Duration(amount) * time.Millisecond
			}
			i++
		default:
			return writeError(writer, "ERR syntax error")
		}
	}

	s.mu.Lock()
	if _, exists := s.lookup(key); exists && onlyIfAbsent {
		s.mu.Unlock()
		return writeBulkNil(writer)
	}
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = s.now().Add(ttl)
	}
	s.kv[key] = entry
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) lookup(key string) (*kvEntry, bool) {
	entry, ok := s.kv[key]
	if !ok {
		return nil, false
	}
	if !entry.expiry.IsZero() && !s.now().Before(entry.expiry) {
		delete(s.kv, key)
		return nil, false
	}
	return entry, true
}

func (s *Server) pttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(key)
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	return entry.expiry.Sub(s.now()).Milliseconds()
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
