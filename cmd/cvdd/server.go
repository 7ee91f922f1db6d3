package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cuttlefish-host/cvdd/internal/analyzer"
	"github.com/cuttlefish-host/cvdd/internal/cvdconfig"
	"github.com/cuttlefish-host/cvdd/internal/cvdlog"
	"github.com/cuttlefish-host/cvdd/internal/cvdmanager"
	"github.com/cuttlefish-host/cvdd/internal/dispatch"
	"github.com/cuttlefish-host/cvdd/internal/hosttools"
)

func newManagerFromConfig(cfg cvdconfig.Config) (*cvdmanager.Manager, error) {
	locks := cfg.NewLockManager()
	tools := hosttools.DefaultManager()
	dispatcher := dispatch.New(os.Environ)
	return cvdmanager.NewManager(locks, tools, dispatcher, cfg.RunDir), nil
}

// socketServer exposes the Instance Manager over a minimal
// line-protocol Unix domain socket: one request per connection, a
// single line of the form "<subcommand> uid=<uid> <arg>=<value>...",
// answered with a line of JSON. Without a uid= field the daemon's own
// uid is used. This replaces the out-of-scope
// gRPC/protobuf RPC server only so the daemon is runnable end-to-end
// in this repository; it is deliberately minimal.
type socketServer struct {
	listener net.Listener
	mgr      *cvdmanager.Manager
}

func newSocketServer(path string, mgr *cvdmanager.Manager) (*socketServer, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	s := &socketServer{listener: l, mgr: mgr}
	go s.serve()
	return s, nil
}

func (s *socketServer) Close() error {
	return s.listener.Close()
}

func (s *socketServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *socketServer) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := scanner.Text()
	fields := strings.Fields(line)
	if len(fields) == 0 {
		fmt.Fprintln(conn, `{"error":"empty request"}`)
		return
	}

	subcmd, uid, kv := fields[0], parseUID(fields), parseKV(fields[1:])
	ctx := context.Background()

	switch subcmd {
	case "create":
		s.handleCreate(ctx, conn, uid, kv)
	case "fleet":
		s.handleFleet(ctx, conn, uid)
	case "stop":
		s.handleStop(ctx, conn, uid, kv["group_name"])
	case "clear":
		s.handleClear(ctx, conn)
	default:
		fmt.Fprintf(conn, `{"error":"unknown subcommand %q"}`+"\n", subcmd)
	}
}

func (s *socketServer) handleCreate(ctx context.Context, conn net.Conn, uid int, kv map[string]string) {
	params := analyzer.Params{
		GroupName:         kv["group_name"],
		InstanceNames:     kv["instance_name"],
		HostArtifactsPath: kv["host_artifacts_path"],
		ProductOutPath:    kv["product_out_path"],
		Env:               os.Environ(),
	}
	if n, ok := parseIntField(kv, "num_instances"); ok {
		params.NumInstances = n
	}
	if n, ok := parseIntField(kv, "instance_num"); ok {
		params.InstanceNum = n
	}

	plan, err := s.mgr.Analyze(uid, "create", params, analyzer.Credential{UID: uid})
	if err != nil {
		writeError(conn, err)
		return
	}
	if err := s.mgr.SetInstanceGroup(uid, plan); err != nil {
		writeError(conn, err)
		return
	}
	writeJSON(conn, map[string]any{"group_name": plan.GroupName, "instance_count": len(plan.Instances)})
}

func (s *socketServer) handleFleet(ctx context.Context, conn net.Conn, uid int) {
	var stderrBuf strings.Builder
	doc, overall, err := s.mgr.Fleet(ctx, uid, &stderrBuf)
	if err != nil {
		writeError(conn, err)
		return
	}
	if stderrBuf.Len() > 0 {
		cvdlog.Logger.Warn().Str("detail", stderrBuf.String()).Msg("fleet reported per-instance warnings")
	}
	writeJSON(conn, map[string]any{"status": overall, "document": doc})
}

func (s *socketServer) handleStop(ctx context.Context, conn net.Conn, uid int, groupName string) {
	var stderrBuf strings.Builder
	err := s.mgr.Stop(ctx, uid, groupName, &stderrBuf)
	if err != nil {
		writeError(conn, err)
		return
	}
	writeJSON(conn, map[string]any{"status": "OK", "detail": stderrBuf.String()})
}

func (s *socketServer) handleClear(ctx context.Context, conn net.Conn) {
	var stderrBuf strings.Builder
	if err := s.mgr.Clear(ctx, &stderrBuf); err != nil {
		writeError(conn, err)
		return
	}
	writeJSON(conn, map[string]any{"status": "OK", "detail": stderrBuf.String()})
}

func parseUID(fields []string) int {
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "uid=") {
			uid, _ := strconv.Atoi(strings.TrimPrefix(f, "uid="))
			return uid
		}
	}
	return os.Getuid()
}

func parseKV(fields []string) map[string]string {
	kv := make(map[string]string, len(fields))
	for _, f := range fields {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) == 2 {
			kv[parts[0]] = parts[1]
		}
	}
	return kv
}

func parseIntField(kv map[string]string, key string) (int, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func writeJSON(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(conn, `{"error":%q}`+"\n", err.Error())
		return
	}
	conn.Write(data)
	conn.Write([]byte("\n"))
}

func writeError(conn net.Conn, err error) {
	writeJSON(conn, map[string]any{"error": err.Error()})
}
