// Command dftlsim runs a DFTL namespace as a standalone demo/admin
// surface: an HTTP JSON API plus a hand-registered (no protoc) gRPC
// service registered by hand, exposing the
// host Write/Read/Flush opcodes and the PrintCmt/PrintEc admin commands.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/flashsim/dftl/internal/dftl"
	"github.com/flashsim/dftl/internal/dftl/config"
	"github.com/flashsim/dftl/internal/dftl/nandsim"
)

var (
	flagConfig  = flag.String("config", "", "path to a YAML config file (defaults embedded if empty)")
	flagHTTP    = flag.String("http", ":8080", "HTTP listen address (empty to disable)")
	flagGRPC    = flag.String("grpc", ":9090", "gRPC listen address (empty to disable)")
	flagVerbose = flag.Bool("v", false, "verbose logging of each dispatched command")
)

// jsonCodec registers "application/grpc+json" so the admin service can be
// invoked without a protoc-generated client.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// submitRequest is the wire shape for host commands dispatched over HTTP
// or gRPC: one I/O queue id, a start timestamp, and an opcode payload.
type submitRequest struct {
	SQID      int    `json:"sqid"`
	StartTime uint64 `json:"start_time"`
	Op        string `json:"op"` // "read", "write", "flush"
	SLBA      int64  `json:"slba"`
	NRLBA     int64  `json:"nr_lba"`
	FUA       bool   `json:"fua"`
}

type submitResponse struct {
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	CompletionNS  uint64 `json:"completion_ns"`
}

// dftlServer is the gRPC service interface, hand-registered with manual
// MethodDesc handlers instead of protoc-generated stubs.
type dftlServer interface {
	SubmitCommand(context.Context, *submitRequest) (*submitResponse, error)
	PrintCmt(context.Context, *struct{}) (*printCmtResponse, error)
	PrintEc(context.Context, *printEcRequest) (*printEcResponse, error)
}

func registerDFTLServer(s *grpc.Server, srv dftlServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "dftlsim.DFTL",
		HandlerType: (*dftlServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "SubmitCommand", Handler: _DFTL_SubmitCommand_Handler},
			{MethodName: "PrintCmt", Handler: _DFTL_PrintCmt_Handler},
			{MethodName: "PrintEc", Handler: _DFTL_PrintEc_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "dftlsim",
	}, srv)
}

func _DFTL_SubmitCommand_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(submitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dftlServer).SubmitCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dftlsim.DFTL/SubmitCommand"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dftlServer).SubmitCommand(ctx, req.(*submitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _DFTL_PrintCmt_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(struct{})
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dftlServer).PrintCmt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dftlsim.DFTL/PrintCmt"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dftlServer).PrintCmt(ctx, req.(*struct{}))
	}
	return interceptor(ctx, in, info, handler)
}

func _DFTL_PrintEc_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(printEcRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dftlServer).PrintEc(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dftlsim.DFTL/PrintEc"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dftlServer).PrintEc(ctx, req.(*printEcRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type printEcRequest struct {
	Verbosity int `json:"verbosity"` // cdw2[0]: 0=totals, 1=pools, 2=pools+eec
}

type printCmtResponse struct {
	Reports []dftl.CMTReport `json:"reports"`
}

type printEcResponse struct {
	Reports []dftl.ECReport `json:"reports"`
}

// admin wraps one DFTL namespace and a monotonically advancing virtual
// clock, serializing every dispatched command through one dispatcher
// context with no suspension points inside the core.
type admin struct {
	mu    sync.Mutex
	d     *dftl.DFTL
	clock uint64
}

func newAdmin(cfg config.Config) *admin {
	timer := nandsim.NewSimpleTimer(nandsim.LatencyModel{
		ReadLatencyNS:  cfg.NAND.ReadLatencyNS,
		WriteLatencyNS: cfg.NAND.WriteLatencyNS,
		EraseLatencyNS: cfg.NAND.EraseLatencyNS,
	})
	wbuf := nandsim.NewSimpleWriteBuffer(cfg.WriteBufferBytes, cfg.WriteBufferBandwidthNSPerB)
	d, err := dftl.New(cfg, timer, wbuf)
	if err != nil {
		log.Fatalf("dftlsim: init: %v", err)
	}
	return &admin{d: d}
}

func (a *admin) SubmitCommand(ctx context.Context, req *submitRequest) (*submitResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	corrID := uuid.NewString()
	start := req.StartTime
	if start < a.clock {
		start = a.clock
	}

	var (
		completion uint64
		err        error
	)
	switch req.Op {
	case "read":
		completion, err = a.d.Read(req.SLBA, req.NRLBA, start)
	case "write":
		completion, err = a.d.Write(req.SLBA, req.NRLBA, req.FUA, start)
	case "flush":
		completion = a.d.Flush()
	default:
		err = fmt.Errorf("dftlsim: unknown op %q", req.Op)
	}

	if *flagVerbose {
		log.Printf("[%s] op=%s slba=%d nr_lba=%d start=%d -> completion=%d err=%v", corrID, req.Op, req.SLBA, req.NRLBA, start, completion, err)
	}

	if completion > a.clock {
		a.clock = completion
	}
	if err != nil {
		return &submitResponse{CorrelationID: corrID, Success: false, Error: err.Error()}, nil
	}
	return &submitResponse{CorrelationID: corrID, Success: true, CompletionNS: completion}, nil
}

func (a *admin) PrintCmt(ctx context.Context, _ *struct{}) (*printCmtResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &printCmtResponse{Reports: a.d.PrintCmt()}, nil
}

func (a *admin) PrintEc(ctx context.Context, req *printEcRequest) (*printEcResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &printEcResponse{Reports: a.d.PrintEc(dftl.ECVerbosity(req.Verbosity))}, nil
}

func (a *admin) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp, _ := a.SubmitCommand(r.Context(), &req)
	writeJSON(w, resp)
}

func (a *admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	clock := a.clock
	a.mu.Unlock()
	writeJSON(w, map[string]any{
		"ok":    true,
		"time":  time.Now().Format(time.RFC3339),
		"clock": clock,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			log.Fatalf("dftlsim: load config: %v", err)
		}
		cfg = loaded
	}

	a := newAdmin(cfg)

	encoding.RegisterCodec(jsonCodec{})

	if *flagGRPC != "" {
		go func() {
			lis, err := net.Listen("tcp", *flagGRPC)
			if err != nil {
				log.Printf("gRPC listen error: %v", err)
				return
			}
			gs := grpc.NewServer()
			registerDFTLServer(gs, a)
			log.Printf("gRPC listening on %s", *flagGRPC)
			if err := gs.Serve(lis); err != nil {
				log.Printf("gRPC serve error: %v", err)
			}
		}()
	}

	if *flagHTTP != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/submit", a.handleSubmit)
		mux.HandleFunc("/api/status", a.handleStatus)
		log.Printf("HTTP listening on %s", *flagHTTP)
		if err := http.ListenAndServe(*flagHTTP, mux); err != nil {
			log.Fatalf("HTTP serve error: %v", err)
		}
	} else {
		select {}
	}
}
