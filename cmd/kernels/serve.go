package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-kernels/internal/attention"
	"github.com/23skdu/longbow-kernels/internal/device"
	"github.com/23skdu/longbow-kernels/internal/dtype"
	"github.com/23skdu/longbow-kernels/internal/gemm"
	"github.com/23skdu/longbow-kernels/internal/grid"
)

var (
	serverRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_server_requests_total",
		Help: "Requests handled, by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "longbow_server_request_duration_seconds",
		Help:    "Time spent serving kernel requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

var tracer = otel.Tracer("longbow-kernels/server")

// maxOutputElements caps the C buffer the server allocates on a caller's behalf.
const maxOutputElements = 1 << 28

// GemmRequest is the CBOR body of POST /gemm and /gemm/arrow. A and B are row
// major in their stored shape: A is K x M when TransA is set, B is N x K when
// TransB is set. C may be omitted when Beta is zero.
type GemmRequest struct {
	M      int       `cbor:"m"`
	N      int       `cbor:"n"`
	K      int       `cbor:"k"`
	Alpha  float32   `cbor:"alpha"`
	Beta   float32   `cbor:"beta"`
	TransA bool      `cbor:"transpose_a"`
	TransB bool      `cbor:"transpose_b"`
	Algo   string    `cbor:"algo"`
	A      []float32 `cbor:"a"`
	B      []float32 `cbor:"b"`
	C      []float32 `cbor:"c"`
}

type GemmResponse struct {
	Variant   string    `cbor:"variant"`
	ElapsedMs float64   `cbor:"elapsed_ms"`
	C         []float32 `cbor:"c"`
}

// AttentionRequest is the CBOR body of POST /attention. Inputs are sent as
// float32 and narrowed to DType before the launch.
type AttentionRequest struct {
	B         int       `cbor:"batch"`
	H         int       `cbor:"heads"`
	N         int       `cbor:"seq"`
	D         int       `cbor:"dim"`
	BlockRows int       `cbor:"block_rows"`
	BlockCols int       `cbor:"block_cols"`
	Causal    bool      `cbor:"causal"`
	DType     int       `cbor:"dtype"`
	Q         []float32 `cbor:"q"`
	K         []float32 `cbor:"k"`
	V         []float32 `cbor:"v"`
}

type AttentionResponse struct {
	ElapsedMs float64   `cbor:"elapsed_ms"`
	O         []float32 `cbor:"o"`
	L         []float32 `cbor:"l"`
}

type Server struct {
	backend device.Backend
	alloc   memory.Allocator
	sem     *semaphore.Weighted
}

func NewServer(backend device.Backend, maxConcurrent int64) *Server {
	return &Server{
		backend: backend,
		alloc:   memory.NewGoAllocator(),
		sem:     semaphore.NewWeighted(max(maxConcurrent, 1)),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/gemm", s.handleGemm)
	mux.HandleFunc("/gemm/arrow", s.handleGemmArrow)
	mux.HandleFunc("/attention", s.handleAttention)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func serveCmd() *cli.Command {
	var (
		addr          string
		maxConcurrent int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve kernels over HTTP with CBOR bodies",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.Int64Flag{
				Name:        "max-concurrent",
				Usage:       "kernel requests admitted at once",
				Value:       4,
				Destination: &maxConcurrent,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, fileConfig, &addr, &maxConcurrent)

			backend, _, err := newBackend()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           NewServer(backend, maxConcurrent).Handler(),
				ReadHeaderTimeout: 30 * time.Second,
			}
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()

			log.Info().Str("addr", addr).Int64("max_concurrent", maxConcurrent).Msg("starting kernel server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return cli.Exit(fmt.Sprintf("error: server: %v", err), 1)
			}
			return nil
		},
	}
}

// fail writes an error response and counts it.
func fail(w http.ResponseWriter, endpoint string, code int, msg string) {
	serverRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	http.Error(w, msg, code)
}

// statusFor maps a launch error to an HTTP status. Bad shapes are the
// caller's fault; faults inside a launch are ours.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gemm.ErrInvalidSize),
		errors.Is(err, gemm.ErrDimensionMismatch),
		errors.Is(err, gemm.ErrInvalidConfig),
		errors.Is(err, attention.ErrInvalidSize),
		errors.Is(err, attention.ErrDimensionMismatch),
		errors.Is(err, dtype.ErrUnsupportedDType):
		return http.StatusBadRequest
	case errors.Is(err, grid.ErrLaunchFault):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// admit decodes a CBOR body into req and acquires a launch slot. The returned
// release must be called once the launch is done.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, endpoint string, req any) (func(), bool) {
	if r.Method != http.MethodPost {
		fail(w, endpoint, http.StatusMethodNotAllowed, "Method not allowed")
		return nil, false
	}
	if err := cbor.NewDecoder(r.Body).Decode(req); err != nil {
		fail(w, endpoint, http.StatusBadRequest, fmt.Sprintf("Bad Request (CBOR decode): %v", err))
		return nil, false
	}
	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		log.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to acquire semaphore")
		fail(w, endpoint, http.StatusServiceUnavailable, "Server busy")
		return nil, false
	}
	return func() { s.sem.Release(1) }, true
}

// runGemm launches req and returns C.
func (s *Server) runGemm(ctx context.Context, req GemmRequest) (gemm.Variant, gemm.Matrix, error) {
	v := gemm.RegisterTiled2D
	if req.Algo != "" {
		var err error
		if v, err = gemm.ParseVariant(req.Algo); err != nil {
			return v, gemm.Matrix{}, err
		}
	}

	a := gemm.N(gemm.Matrix{Rows: req.M, Cols: req.K, Data: req.A})
	if req.TransA {
		a = gemm.T(gemm.Matrix{Rows: req.K, Cols: req.M, Data: req.A})
	}
	b := gemm.N(gemm.Matrix{Rows: req.K, Cols: req.N, Data: req.B})
	if req.TransB {
		b = gemm.T(gemm.Matrix{Rows: req.N, Cols: req.K, Data: req.B})
	}
	if err := gemm.ValidateInputs(req.M, req.N, req.K, a, b); err != nil {
		return v, gemm.Matrix{}, err
	}
	c := gemm.Matrix{Rows: req.M, Cols: req.N, Data: req.C}
	if len(req.C) == 0 && req.Beta == 0 {
		if req.M*req.N > maxOutputElements {
			return v, c, fmt.Errorf("%w: C would hold %d values, limit %d", gemm.ErrInvalidSize, req.M*req.N, maxOutputElements)
		}
		c.Data = make([]float32, req.M*req.N)
	}

	err := s.backend.Gemm(ctx, v, device.GemmCall{
		M: req.M, N: req.N, K: req.K, Alpha: req.Alpha,
		A: a, B: b,
		Beta: req.Beta, C: c,
	})
	return v, c, err
}

func (s *Server) handleGemm(w http.ResponseWriter, r *http.Request) {
	const endpoint = "gemm"
	ctx, span := tracer.Start(r.Context(), "handleGemm")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var req GemmRequest
	release, ok := s.admit(w, r, endpoint, &req)
	if !ok {
		return
	}
	defer release()
	span.SetAttributes(
		attribute.Int("m", req.M),
		attribute.Int("n", req.N),
		attribute.Int("k", req.K),
	)

	launched := time.Now()
	v, c, err := s.runGemm(ctx, req)
	if err != nil {
		span.RecordError(err)
		fail(w, endpoint, statusFor(err), err.Error())
		return
	}

	body, err := cbor.Marshal(GemmResponse{
		Variant:   v.String(),
		ElapsedMs: float64(time.Since(launched).Microseconds()) / 1e3,
		C:         c.Data[:req.M*req.N],
	})
	if err != nil {
		fail(w, endpoint, http.StatusInternalServerError, err.Error())
		return
	}
	serverRequests.WithLabelValues(endpoint, "200").Inc()
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

// handleGemmArrow answers a GEMM request with C as an Arrow IPC stream: one
// FixedSizeList<float32>[N] row per row of C.
func (s *Server) handleGemmArrow(w http.ResponseWriter, r *http.Request) {
	const endpoint = "gemm_arrow"
	ctx, span := tracer.Start(r.Context(), "handleGemmArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var req GemmRequest
	release, ok := s.admit(w, r, endpoint, &req)
	if !ok {
		return
	}
	defer release()

	_, c, err := s.runGemm(ctx, req)
	if err != nil {
		span.RecordError(err)
		fail(w, endpoint, statusFor(err), err.Error())
		return
	}

	rec := s.matrixRecord(c)
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		log.Error().Err(err).Msg("Error writing Arrow stream")
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing Arrow stream")
	}
	serverRequests.WithLabelValues(endpoint, "200").Inc()
}

// matrixRecord wraps the rows of m without copying.
func (s *Server) matrixRecord(m gemm.Matrix) arrow.RecordBatch {
	data := m.Data[:m.Rows*m.Cols]
	buf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(data))
	fslType := arrow.FixedSizeListOf(int32(m.Cols), arrow.PrimitiveTypes.Float32)

	valuesData := array.NewData(arrow.PrimitiveTypes.Float32, len(data), []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer valuesData.Release()
	fslData := array.NewData(fslType, m.Rows, []*memory.Buffer{nil}, []arrow.ArrayData{valuesData}, 0, 0)
	defer fslData.Release()
	rows := array.NewFixedSizeListData(fslData)
	defer rows.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: "row", Type: fslType}}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{rows}, int64(m.Rows))
}

func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	const endpoint = "attention"
	ctx, span := tracer.Start(r.Context(), "handleAttention")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var req AttentionRequest
	release, ok := s.admit(w, r, endpoint, &req)
	if !ok {
		return
	}
	defer release()

	call, err := attentionCall(req)
	if err != nil {
		fail(w, endpoint, statusFor(err), err.Error())
		return
	}
	span.SetAttributes(attribute.Stringer("params", call.Params))

	launched := time.Now()
	res, err := s.backend.FlashAttention(ctx, call)
	if err != nil {
		span.RecordError(err)
		fail(w, endpoint, statusFor(err), err.Error())
		return
	}
	defer s.backend.PutBuffer(res.O)
	defer s.backend.PutBuffer(res.L)

	body, err := cbor.Marshal(AttentionResponse{
		ElapsedMs: float64(time.Since(launched).Microseconds()) / 1e3,
		O:         res.O,
		L:         res.L,
	})
	if err != nil {
		fail(w, endpoint, http.StatusInternalServerError, err.Error())
		return
	}
	serverRequests.WithLabelValues(endpoint, "200").Inc()
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

func attentionCall(req AttentionRequest) (device.AttentionCall, error) {
	call := device.AttentionCall{Params: attention.Params{
		B: req.B, H: req.H, N: req.N, D: req.D,
		BlockRows: req.BlockRows, BlockCols: req.BlockCols,
		Causal: req.Causal,
	}}
	dt, err := dtype.Parse(req.DType)
	if err != nil {
		return call, err
	}
	for _, in := range []struct {
		dst *dtype.Buffer
		src []float32
	}{{&call.Q, req.Q}, {&call.K, req.K}, {&call.V, req.V}} {
		buf, err := dtype.FromFloat32(dt, in.src)
		if err != nil {
			return call, err
		}
		*in.dst = buf
	}
	return call, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
