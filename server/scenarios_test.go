package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Scenario 1: happy login + PWD + LIST in passive mode.
func TestScenarioHappyLoginPwdList(t *testing.T) {
	srv, ln := newTestServer(t)
	tc := dialTestServer(t, srv, ln)

	tc.login()
	full := tc.sendAndExpect("PWD", 257)
	if !strings.Contains(full, `"/"`) {
		t.Fatalf("PWD reply %q does not quote root path", full)
	}

	pasvReply := tc.sendAndExpect("PASV", 227)
	addr := extractPasvAddr(t, pasvReply)

	dataDone := make(chan struct{})
	go func() {
		defer close(dataDone)
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Errorf("dial data connection: %v", err)
			return
		}
		defer conn.Close()
		readAll(t, conn)
	}()

	tc.sendAndExpect("LIST", 226)
	<-dataDone
}

// Scenario 2: wrong password then success.
func TestScenarioWrongPasswordThenSuccess(t *testing.T) {
	srv, ln := newTestServer(t)
	tc := dialTestServer(t, srv, ln)

	tc.sendAndExpect("USER alice", 331)
	tc.sendAndExpect("PASS wrong", 530)
	tc.sendAndExpect("USER alice", 331)
	tc.sendAndExpect("PASS alice123", 230)
}

// Scenario 3: directory traversal attempt.
func TestScenarioDirectoryTraversal(t *testing.T) {
	srv, ln := newTestServer(t)
	tc := dialTestServer(t, srv, ln)

	tc.login()
	tc.sendAndExpect("CWD ../../etc", 550)
}

// Scenario 4: atomic upload then re-upload is rejected.
func TestScenarioUploadThenReuploadRejected(t *testing.T) {
	srv, ln := newTestServer(t)
	tc := dialTestServer(t, srv, ln)
	tc.login()

	uploadFile(t, tc, "hello.txt", []byte("hello world"))

	pasvReply := tc.sendAndExpect("PASV", 227)
	addr := extractPasvAddr(t, pasvReply)
	dataConnReady := make(chan struct{})
	go func() {
		conn, err := net.Dial("tcp", addr)
		close(dataConnReady)
		if err == nil {
			conn.Close()
		}
	}()
	<-dataConnReady
	tc.sendAndExpect("STOR hello.txt", 550)
}

// Scenario 5: size cap.
func TestScenarioSizeCapRejectsOversizedUpload(t *testing.T) {
	srv, ln := newTestServer(t)
	tc := dialTestServer(t, srv, ln)
	tc.login()

	pasvReply := tc.sendAndExpect("PASV", 227)
	addr := extractPasvAddr(t, pasvReply)

	done := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		chunk := bytes.Repeat([]byte{0}, 1<<20)
		var written int64
		const total = 104_857_601
		for written < total {
			n := len(chunk)
			if remaining := total - written; remaining < int64(n) {
				n = int(remaining)
			}
			if _, err := conn.Write(chunk[:n]); err != nil {
				done <- err
				return
			}
			written += int64(n)
		}
		done <- nil
	}()

	tc.sendAndExpect("STOR big.bin", 552)
	if err := <-done; err != nil {
		t.Fatalf("upload goroutine error: %v", err)
	}

	root := srv.startup.ServerRoot
	if _, err := os.Stat(filepath.Join(root, "big.bin")); !os.IsNotExist(err) {
		t.Fatal("big.bin should not exist after a rejected oversized upload")
	}
	if _, err := os.Stat(filepath.Join(root, "big.bin.tmp")); !os.IsNotExist(err) {
		t.Fatal("big.bin.tmp should not survive a rejected oversized upload")
	}
}

// Scenario 6: active mode IP mismatch.
func TestScenarioActiveModeIPMismatch(t *testing.T) {
	srv, ln := newTestServer(t)
	tc := dialTestServer(t, srv, ln)
	tc.login()

	tc.sendAndExpect("PORT 10.0.0.1:5000", 501)
}

func uploadFile(t *testing.T, tc *testClient, name string, payload []byte) {
	t.Helper()

	pasvReply := tc.sendAndExpect("PASV", 227)
	addr := extractPasvAddr(t, pasvReply)

	done := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		_, err = conn.Write(payload)
		done <- err
	}()

	tc.sendAndExpect("STOR "+name, 226)
	if err := <-done; err != nil {
		t.Fatalf("upload connection error: %v", err)
	}
}

// extractPasvAddr parses "227 Entering Passive Mode (host:port)" into
// "host:port".
func extractPasvAddr(t *testing.T, reply string) string {
	t.Helper()
	start := strings.Index(reply, "(")
	end := strings.Index(reply, ")")
	if start == -1 || end == -1 || end < start {
		t.Fatalf("malformed PASV reply: %q", reply)
	}
	return reply[start+1 : end]
}
