package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raxftp/server/internal/auth"
	"github.com/raxftp/server/internal/vpath"
	"github.com/raxftp/server/internal/xfer"
)

// maxFilesystemRetries is the retry budget for permission-denied filesystem
// operations (LIST/DEL/CWD), matching the transfer engine's own retry
// policy: up to 3 retries after the first attempt, 100ms * attempt backoff.
const maxFilesystemRetries = 3

func filesystemRetryBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 100 * time.Millisecond
}

func (sess *session) handleQuit() Reply {
	sess.clearAuth()
	return closeConn(221, "Goodbye")
}

func (sess *session) handleUser(name string) Reply {
	err := sess.server.credentials.ValidateUsername(name)
	if err != nil {
		sess.clearAuth()
		if sess.server.metrics != nil {
			sess.server.metrics.RecordAuthentication(false, name)
		}
		var aerr *auth.Error
		if errors.As(err, &aerr) {
			return failuref(530, "Invalid username: %s", aerr.Error())
		}
		return failure(530, "Invalid username")
	}

	sess.username = name
	sess.state = stateUserOK
	return success(331, "Password required")
}

func (sess *session) handlePass(password string) Reply {
	if sess.state != stateUserOK {
		return failure(530, "Login with USER first")
	}

	if err := sess.server.credentials.ValidatePassword(sess.username, password); err != nil {
		sess.clearAuth()
		if sess.server.metrics != nil {
			sess.server.metrics.RecordAuthentication(false, sess.username)
		}
		return failure(530, "Login incorrect")
	}

	if !sess.server.registerClient(sess.peer, sess) {
		sess.clearAuth()
		if sess.server.metrics != nil {
			sess.server.metrics.RecordAuthentication(false, sess.username)
			sess.server.metrics.RecordConnection(false, "max_clients_reached")
		}
		return closeConn(421, "Too many connections.")
	}

	sess.state = stateReady
	sess.registered = true
	if sess.server.metrics != nil {
		sess.server.metrics.RecordAuthentication(true, sess.username)
	}
	return success(230, "Login successful")
}

func (sess *session) handleLogout() Reply {
	sess.clearAuth()
	return success(221, "Logout successful")
}

// clearAuth resets session identity and auth state to their initial values,
// matching the E invariant that logout/failure always resets cwd to "/".
func (sess *session) clearAuth() {
	if sess.registered {
		sess.server.removeClient(sess.peer)
		sess.registered = false
	}
	sess.username = ""
	sess.state = stateStart
	sess.cwd = "/"
	sess.dataChannelInit = false
	sess.server.channels.Cleanup(sess.peer)
}

func (sess *session) handleCwd(arg string) Reply {
	target, err := vpath.Resolve(arg, sess.cwd)
	if err != nil {
		return failure(550, err.Error())
	}

	real, err := vpath.ToReal(sess.server.startup.ServerRoot, target)
	if err != nil {
		return failure(550, err.Error())
	}

	info, err := statWithRetry(real)
	if err != nil {
		if os.IsNotExist(err) {
			return failure(550, "No such directory")
		}
		return failure(550, err.Error())
	}
	if !info.IsDir() {
		return failure(550, "Not a directory")
	}

	sess.cwd = target
	return successf(250, "Directory changed to %s", target)
}

func (sess *session) handleList() Reply {
	if !sess.dataChannelInit {
		return failure(425, "Use PORT or PASV first")
	}

	real, err := vpath.ToReal(sess.server.startup.ServerRoot, sess.cwd)
	if err != nil {
		return failure(550, err.Error())
	}

	entries, err := readDirWithRetry(real)
	if err != nil {
		return failure(550, "Cannot list directory")
	}

	lines := []string{"."}
	if sess.cwd != "/" {
		lines = append(lines, "..")
	}
	for _, e := range entries {
		lines = append(lines, e.Name())
	}
	listing := strings.Join(lines, "\r\n") + "\r\n"

	conn, err := sess.server.channels.Open(sess.peer)
	if err != nil {
		return failure(425, "Can't open data connection")
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, listing); err != nil {
		return failure(426, "Connection closed; transfer aborted")
	}

	return success(226, "Directory send OK")
}

func (sess *session) handleRetr(name string) Reply {
	if !sess.dataChannelInit {
		return failure(425, "Use PORT or PASV first")
	}
	if err := checkFilename(name); err != nil {
		return failure(550, err.Error())
	}

	target, err := vpath.Resolve(name, sess.cwd)
	if err != nil {
		return failure(550, err.Error())
	}
	real, err := vpath.ToReal(sess.server.startup.ServerRoot, target)
	if err != nil {
		return failure(550, err.Error())
	}

	if _, err := os.Stat(real); err != nil {
		if os.IsNotExist(err) {
			return failure(550, "File not found")
		}
		return failure(550, err.Error())
	}

	conn, err := sess.server.channels.Open(sess.peer)
	if err != nil {
		return failure(425, "Can't open data connection")
	}
	defer conn.Close()

	result, err := xfer.Download(conn, real, sess.server.bandwidthLimiter())
	if err != nil {
		return sess.mapTransferError(err, "RETR")
	}

	if sess.server.metrics != nil {
		sess.server.metrics.RecordTransfer("RETR", result.BytesMoved, result.Duration)
	}
	return success(226, "Transfer complete")
}

func (sess *session) handleStor(name string) Reply {
	if !sess.dataChannelInit {
		return failure(425, "Use PORT or PASV first")
	}
	if err := checkFilename(name); err != nil {
		return failure(550, err.Error())
	}

	target, err := vpath.Resolve(name, sess.cwd)
	if err != nil {
		return failure(550, err.Error())
	}
	real, err := vpath.ToReal(sess.server.startup.ServerRoot, target)
	if err != nil {
		return failure(550, err.Error())
	}

	if _, err := os.Stat(real); err == nil {
		return failure(550, fmt.Sprintf("%s: File already exists", name))
	}

	conn, err := sess.server.channels.Open(sess.peer)
	if err != nil {
		return failure(425, "Can't open data connection")
	}
	defer conn.Close()

	tempPath := real + ".tmp"
	maxBytes := sess.server.runtime.Get().MaxFileSizeBytes()
	result, err := xfer.Upload(conn, real, tempPath, maxBytes, sess.server.bandwidthLimiter())
	if err != nil {
		return sess.mapTransferError(err, "STOR")
	}

	if sess.server.metrics != nil {
		sess.server.metrics.RecordTransfer("STOR", result.BytesMoved, result.Duration)
	}
	return success(226, "Transfer complete")
}

// mapTransferError translates a *xfer.Error into the corresponding FTP
// reply code, per the component C contract.
func (sess *session) mapTransferError(err error, op string) Reply {
	var xerr *xfer.Error
	if !errors.As(err, &xerr) {
		return failure(426, "Connection closed; transfer aborted")
	}

	switch xerr.Kind {
	case xfer.KindCannotCreate:
		return failure(550, "Cannot create file")
	case xfer.KindTooLarge:
		return failure(552, "Insufficient storage space (file exceeds configured size limit)")
	case xfer.KindAborted:
		return failure(426, "Connection closed; transfer aborted")
	case xfer.KindWriteFailed, xfer.KindFinalizeFailed:
		return failure(450, "Requested file action not taken")
	case xfer.KindReadFailed:
		if op == "RETR" {
			return failure(451, "Requested action aborted")
		}
		return failure(550, "Failed to open file")
	default:
		return failure(426, "Connection closed; transfer aborted")
	}
}

func (sess *session) handleDel(name string) Reply {
	if err := checkFilename(name); err != nil {
		return failure(550, err.Error())
	}

	target, err := vpath.Resolve(name, sess.cwd)
	if err != nil {
		return failure(550, err.Error())
	}
	real, err := vpath.ToReal(sess.server.startup.ServerRoot, target)
	if err != nil {
		return failure(550, err.Error())
	}

	if err := removeWithRetry(real); err != nil {
		if os.IsNotExist(err) {
			return failure(550, "File not found")
		}
		return failure(550, err.Error())
	}

	return success(250, "File deleted")
}

// handlePasv binds a fresh passive listener for this client, replacing
// whatever PASV/PORT entry preceded it, per the registry's replace
// semantics (a new PASV/PORT always tears down the old entry first).
func (sess *session) handlePasv() Reply {
	host := sess.advertiseHost()
	ln, err := sess.server.channels.SetupPassive(sess.peer, host)
	if err != nil {
		return failure(425, "No data port available")
	}

	addr := ln.Addr().String()
	sess.dataChannelInit = true
	return successf(227, "Entering Passive Mode (%s)", addr)
}

// handlePort registers target as this client's active-mode connect-back
// address, replacing whatever PASV/PORT entry preceded it.
func (sess *session) handlePort(arg string) Reply {
	host, portStr, err := splitHostPort(arg)
	if err != nil {
		return failure(501, "Syntax error in PORT argument")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return failure(501, "Syntax error in PORT argument")
	}
	if port < 1024 {
		return failure(501, "Port must be >= 1024")
	}

	controlHost, _, _ := splitHostPort(sess.peer)
	if host != controlHost {
		return failure(501, "IP address in PORT must match control connection")
	}

	addr, err := net.ResolveTCPAddr("tcp", arg)
	if err != nil {
		return failure(501, "Syntax error in PORT argument")
	}

	sess.server.channels.SetupActive(sess.peer, addr)
	sess.dataChannelInit = true
	return success(200, "PORT command successful")
}

// advertiseHost picks the IP the server should bind PASV listeners on: the
// control connection's local address, so the client can always reach it.
func (sess *session) advertiseHost() string {
	host, _, err := splitHostPort(sess.conn.LocalAddr().String())
	if err != nil {
		return "127.0.0.1"
	}
	return host
}

func checkFilename(name string) error {
	if name == "" {
		return fmt.Errorf("empty filename")
	}
	for _, bad := range []string{"..", "/", "\\", ":", "*", "?", "\"", "<", ">", "|"} {
		if strings.Contains(name, bad) {
			return fmt.Errorf("invalid filename")
		}
	}
	return nil
}

func splitHostPort(addr string) (string, string, error) {
	return net.SplitHostPort(addr)
}

func statWithRetry(path string) (fs.FileInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= maxFilesystemRetries; attempt++ {
		info, err := os.Stat(path)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, fs.ErrPermission) {
			return nil, err
		}
		lastErr = err
		if attempt < maxFilesystemRetries {
			time.Sleep(filesystemRetryBackoff(attempt + 1))
		}
	}
	return nil, lastErr
}

func readDirWithRetry(path string) ([]fs.DirEntry, error) {
	var lastErr error
	for attempt := 0; attempt <= maxFilesystemRetries; attempt++ {
		entries, err := os.ReadDir(path)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, fs.ErrPermission) {
			return nil, err
		}
		lastErr = err
		if attempt < maxFilesystemRetries {
			time.Sleep(filesystemRetryBackoff(attempt + 1))
		}
	}
	return nil, lastErr
}

func removeWithRetry(path string) error {
	var lastErr error
	for attempt := 0; attempt <= maxFilesystemRetries; attempt++ {
		err := os.Remove(path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrPermission) {
			return err
		}
		lastErr = err
		if attempt < maxFilesystemRetries {
			time.Sleep(filesystemRetryBackoff(attempt + 1))
		}
	}
	return lastErr
}
