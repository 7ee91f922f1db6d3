package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuttlefish-host/cvdd/internal/cvdmanager"
	"github.com/cuttlefish-host/cvdd/internal/dispatch"
	"github.com/cuttlefish-host/cvdd/internal/hosttools"
	"github.com/cuttlefish-host/cvdd/internal/lockfile"
)

func writeFakeStatus(t *testing.T, artifacts, body string) {
	t.Helper()
	path := filepath.Join(artifacts, "bin", "status")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
}

func dialAndSend(t *testing.T, socketPath, line string) string {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintln(conn, line)
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	return scanner.Text()
}

func TestSocketServer_CreateThenFleetRoundTrip(t *testing.T) {
	runDir := t.TempDir()
	locks := lockfile.NewManager(runDir, 10)
	tools := hosttools.DefaultManager()
	mgr := cvdmanager.NewManager(locks, tools, dispatch.New(nil), runDir)

	artifacts := t.TempDir()
	writeFakeStatus(t, artifacts, "echo '{}'\n")

	socketPath := filepath.Join(t.TempDir(), "cvdd.sock")
	server, err := newSocketServer(socketPath, mgr)
	require.NoError(t, err)
	defer server.Close()

	createLine := fmt.Sprintf("create uid=7 group_name=cvd-1 host_artifacts_path=%s product_out_path=%s", artifacts, artifacts)
	reply := dialAndSend(t, socketPath, createLine)
	assert.Contains(t, reply, `"group_name":"cvd-1"`)

	fleetReply := dialAndSend(t, socketPath, "fleet uid=7")
	assert.Contains(t, fleetReply, `"status":"OK"`)
}

func TestSocketServer_UnknownSubcommandReportsError(t *testing.T) {
	runDir := t.TempDir()
	locks := lockfile.NewManager(runDir, 10)
	tools := hosttools.DefaultManager()
	mgr := cvdmanager.NewManager(locks, tools, dispatch.New(nil), runDir)

	socketPath := filepath.Join(t.TempDir(), "cvdd.sock")
	server, err := newSocketServer(socketPath, mgr)
	require.NoError(t, err)
	defer server.Close()

	reply := dialAndSend(t, socketPath, "bogus uid=1")
	assert.Contains(t, reply, "unknown subcommand")
}

func TestSocketServer_StopMissingGroupReportsError(t *testing.T) {
	runDir := t.TempDir()
	locks := lockfile.NewManager(runDir, 10)
	tools := hosttools.DefaultManager()
	mgr := cvdmanager.NewManager(locks, tools, dispatch.New(nil), runDir)

	socketPath := filepath.Join(t.TempDir(), "cvdd.sock")
	server, err := newSocketServer(socketPath, mgr)
	require.NoError(t, err)
	defer server.Close()

	reply := dialAndSend(t, socketPath, "stop uid=1 group_name=missing")
	assert.Contains(t, reply, "error")
}
