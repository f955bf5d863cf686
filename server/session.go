package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// authState is the session's position in the USER/PASS state machine
// (component E). logged_in implies user_valid by construction: PASS only
// sets logged_in from stateUserOK, and any failure resets to stateStart.
type authState int

const (
	stateStart authState = iota
	stateUserOK
	stateReady
)

// session holds one control connection's per-client state: identity, auth
// progress, virtual working directory, and whether a data channel has been
// negotiated (PASV/PORT); that flag stays set across transfers until the
// auth state is cleared.
type session struct {
	server *Server
	conn   net.Conn
	peer   string // peer address string, used as the channel-registry key

	reader *bufio.Reader
	writer *bufio.Writer

	logger *slog.Logger

	username string
	state    authState
	cwd      string

	dataChannelInit bool
	registered      bool // true once added to the server's client map
}

func newSession(s *Server, conn net.Conn, peer string) *session {
	return &session{
		server: s,
		conn:   conn,
		peer:   peer,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		logger: s.logger.With("remote_addr", peer),
		cwd:    "/",
	}
}

// loggedIn reports whether the session has completed USER+PASS.
func (sess *session) loggedIn() bool { return sess.state == stateReady }

// serve runs the session to completion: greeting, then the auth phase,
// then the command phase, until QUIT, a protocol-level close, or an I/O
// error. Cleanup of registry/client-map state happens in the caller
// (Server.handleConnection), which always runs regardless of how serve
// returns.
func (sess *session) serve(ctx context.Context) {
	if err := sess.writeReply(success(220, "Welcome to raxftpd.")); err != nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := sess.readLine()
		if err == errTooLong {
			continue
		}
		if err != nil {
			return
		}

		if !sess.server.cmdLimiter.Allow(sess.peer) {
			if sess.writeReply(failure(421, "Too many commands, slow down.")) != nil {
				return
			}
			continue
		}

		cmd := ParseLine(line)
		reply := sess.dispatch(cmd)

		if err := sess.writeReply(reply); err != nil {
			return
		}
		if reply.Status == StatusCloseConnection {
			return
		}
	}
}

// readLine reads one CRLF-terminated line, enforcing the configured maximum
// command length. A too-long line replies "500 Command too long" and is
// discarded without closing the connection; the caller (serve) treats
// errTooLong as "keep looping", distinct from every other read error.
func (sess *session) readLine() (string, error) {
	maxLen := sess.server.startup.MaxCommandLength
	if maxLen <= 0 {
		maxLen = 512
	}

	raw, err := sess.reader.ReadString('\n')
	if err != nil {
		return "", err
	}

	line := strings.TrimRight(raw, "\r\n")

	if len(line) > maxLen {
		_ = sess.writeReply(failure(500, "Command too long"))
		return "", errTooLong
	}

	return line, nil
}

var errTooLong = fmt.Errorf("command line exceeded maximum length")

func (sess *session) writeReply(r Reply) error {
	if _, err := sess.writer.WriteString(r.Line()); err != nil {
		return err
	}
	return sess.writer.Flush()
}

// dispatch executes one command and records its outcome via the metrics
// collector, if any.
func (sess *session) dispatch(cmd Command) Reply {
	start := time.Now()
	reply := sess.execute(cmd)
	duration := time.Since(start)

	if sess.server.metrics != nil {
		sess.server.metrics.RecordCommand(cmd.Verb.String(), reply.Status != StatusFailure, duration)
	}
	return reply
}

// execute is the dispatcher proper (component G): it enforces the
// auth-phase gate, then switches on the verb.
func (sess *session) execute(cmd Command) Reply {
	// QUIT is always honored, regardless of auth state.
	if cmd.Verb == VerbQuit {
		return sess.handleQuit()
	}

	if !sess.loggedIn() {
		switch cmd.Verb {
		case VerbUser:
			return sess.handleUser(cmd.Arg)
		case VerbPass:
			return sess.handlePass(cmd.Arg)
		default:
			return failure(530, "Please login with USER and PASS")
		}
	}

	switch cmd.Verb {
	case VerbUser:
		return sess.handleUser(cmd.Arg)
	case VerbPass:
		return sess.handlePass(cmd.Arg)
	case VerbLogout:
		return sess.handleLogout()
	case VerbPwd:
		return success(257, fmt.Sprintf("%q", sess.cwd))
	case VerbCwd:
		return sess.handleCwd(cmd.Arg)
	case VerbList:
		return sess.handleList()
	case VerbRetr:
		return sess.handleRetr(cmd.Arg)
	case VerbStor:
		return sess.handleStor(cmd.Arg)
	case VerbDel:
		return sess.handleDel(cmd.Arg)
	case VerbPasv:
		return sess.handlePasv()
	case VerbPort:
		return sess.handlePort(cmd.Arg)
	case VerbRax:
		return success(200, "Rax is the best")
	default:
		return failure(500, "Syntax error")
	}
}
