package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/messages"
	"github.com/buddhike/mandelfarm/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

var ErrNotInService = errors.New("coordinator not in service")

// Replies already written when stop is closed get this long to reach their
// workers.
const shutdownTimeout = 5 * time.Second

// Server is the coordinator side of the HTTP fabric.
//
// Workers long-poll: POST /join/ returns once the coordinator has sent the
// worker its first message, and POST /result/{rank}/{chunk} returns once the
// coordinator has answered the submitted block. Replies wait in a one slot
// channel per rank, so the coordinator never blocks on a worker that is
// still computing.
type Server struct {
	mut       *sync.Mutex
	canvas    canvas.Canvas
	addr      string
	listener  net.Listener
	replies   []chan messages.Assignment
	results   chan messages.ChunkResult
	joined    map[int]string
	delivered map[int]bool
	drained   chan struct{}
	state     func() messages.StateResponse
	done      chan struct{}
	stop      chan struct{}
	logger    *zap.Logger
}

func NewServer(c canvas.Canvas, workers int, addr string, stop chan struct{}, logger *zap.Logger) *Server {
	replies := make([]chan messages.Assignment, workers)
	for i := range replies {
		replies[i] = make(chan messages.Assignment, 1)
	}
	s := &Server{
		mut:       &sync.Mutex{},
		canvas:    c,
		addr:      addr,
		replies:   replies,
		results:   make(chan messages.ChunkResult, workers),
		joined:    make(map[int]string),
		delivered: make(map[int]bool),
		drained:   make(chan struct{}),
		done:      make(chan struct{}),
		stop:      stop,
		logger:    logger.Named("fabricserver"),
	}
	if workers == 0 {
		close(s.drained)
	}
	return s
}

// SetStateSource installs the provider behind GET /state/.
func (s *Server) SetStateSource(fn func() messages.StateResponse) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.state = fn
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/join/", middleware.StateCriticalRoute(s.Join, s.logger)).Methods(http.MethodPost)
	r.HandleFunc("/result/{rank:[0-9]+}/{chunk:[0-9]+}", middleware.StateCriticalRoute(s.Result, s.logger)).Methods(http.MethodPost)
	r.HandleFunc("/state/", s.State).Methods(http.MethodGet)
	r.HandleFunc("/health/", s.Health)
	return r
}

// Start binds the listen address and serves until stop is closed.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mut.Lock()
	s.listener = l
	s.mut.Unlock()

	server := &http.Server{Handler: s.Router()}
	go func() {
		err := server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("fabric server failed", zap.Error(err))
		}
		close(s.done)
	}()

	go func() {
		<-s.stop
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			server.Close()
		}
	}()

	s.logger.Info("fabric server listening", zap.String("addr", l.Addr().String()))
	return nil
}

// Addr is the bound address once Start returned.
func (s *Server) Addr() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) Workers() int {
	return len(s.replies)
}

func (s *Server) Send(ctx context.Context, rank int, a messages.Assignment) error {
	if rank < 1 || rank > len(s.replies) {
		return fmt.Errorf("%w: rank %d not in [1, %d]", messages.ErrProtocolViolation, rank, len(s.replies))
	}
	select {
	case s.replies[rank-1] <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Receive(ctx context.Context) (messages.ChunkResult, error) {
	select {
	case res := <-s.results:
		return res, nil
	case <-ctx.Done():
		return messages.ChunkResult{}, ctx.Err()
	}
}

// AwaitDelivered blocks until every worker has been handed its Terminate
// over HTTP. The server must keep running until then or workers would miss
// their last reply.
func (s *Server) AwaitDelivered(ctx context.Context) error {
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Join(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var request messages.JoinRequest
	err = json.Unmarshal(body, &request)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	response, err := s.handleJoinRequest(r.Context(), &request)
	s.writeResponse(w, response, err)
}

func (s *Server) Result(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	vars := mux.Vars(r)
	rank, err := strconv.Atoi(vars["rank"])
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	chunk, err := strconv.Atoi(vars["chunk"])
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ch, err := s.chunk(chunk)
	if err != nil {
		s.writeResponse(w, nil, err)
		return
	}

	pixels, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.canvas.BlockSize(ch))))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("chunk result too large", zap.Int("rank", rank), zap.Int("chunk", chunk), zap.Int64("limit", tooLarge.Limit))
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	response, err := s.handleResultRequest(r.Context(), messages.ChunkResult{Rank: rank, Chunk: chunk, Pixels: pixels})
	s.writeResponse(w, response, err)
}

func (s *Server) State(w http.ResponseWriter, r *http.Request) {
	s.mut.Lock()
	fn := s.state
	s.mut.Unlock()

	var response messages.StateResponse
	if fn == nil {
		response.Status = messages.Status{NotInService: true}
	} else {
		response = fn()
	}

	s.mut.Lock()
	for i := range response.Workers {
		response.Workers[i].WorkerID = s.joined[response.Workers[i].Rank]
		_, response.Workers[i].Joined = s.joined[response.Workers[i].Rank]
	}
	s.mut.Unlock()

	s.writeResponse(w, &response, nil)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJoinRequest(ctx context.Context, request *messages.JoinRequest) (*messages.JoinResponse, error) {
	if err := s.register(request.Rank, request.WorkerID); err != nil {
		return nil, err
	}
	s.logger.Info("worker joined", zap.Int("rank", request.Rank), zap.String("workerid", request.WorkerID))

	a, err := s.awaitReply(ctx, request.Rank)
	if err != nil {
		// The worker never saw its first message and may join again.
		s.unregister(request.Rank)
		return nil, err
	}
	return &messages.JoinResponse{
		Canvas:     s.canvas,
		Assignment: a,
	}, nil
}

func (s *Server) handleResultRequest(ctx context.Context, res messages.ChunkResult) (*messages.ResultResponse, error) {
	s.mut.Lock()
	_, joined := s.joined[res.Rank]
	s.mut.Unlock()
	if !joined {
		return nil, fmt.Errorf("%w: result from rank %d which has not joined", messages.ErrProtocolViolation, res.Rank)
	}

	select {
	case s.results <- res:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stop:
		return nil, ErrNotInService
	}

	a, err := s.awaitReply(ctx, res.Rank)
	if err != nil {
		return nil, err
	}
	return &messages.ResultResponse{Assignment: a}, nil
}

func (s *Server) chunk(idx int) (canvas.Chunk, error) {
	grid, err := s.canvas.Grid()
	if err != nil {
		return canvas.Chunk{}, err
	}
	ch, err := grid.Chunk(idx)
	if err != nil {
		return canvas.Chunk{}, fmt.Errorf("%w: %w", messages.ErrProtocolViolation, err)
	}
	return ch, nil
}

func (s *Server) register(rank int, workerID string) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if rank < 1 || rank > len(s.replies) {
		return fmt.Errorf("%w: rank %d not in [1, %d]", messages.ErrProtocolViolation, rank, len(s.replies))
	}
	if id, ok := s.joined[rank]; ok {
		return fmt.Errorf("%w: rank %d already joined as %s", messages.ErrProtocolViolation, rank, id)
	}
	s.joined[rank] = workerID
	return nil
}

func (s *Server) unregister(rank int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.joined, rank)
}

func (s *Server) awaitReply(ctx context.Context, rank int) (messages.Assignment, error) {
	select {
	case a := <-s.replies[rank-1]:
		if a.IsTerminate() {
			s.markDelivered(rank)
		}
		return a, nil
	case <-ctx.Done():
		return messages.Assignment{}, ctx.Err()
	case <-s.stop:
		return messages.Assignment{}, ErrNotInService
	}
}

func (s *Server) markDelivered(rank int) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.delivered[rank] {
		panic(fmt.Sprintf("terminate delivered twice to rank %d", rank))
	}
	s.delivered[rank] = true
	if len(s.delivered) == len(s.replies) {
		close(s.drained)
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, response interface{}, err error) {
	if err != nil {
		switch {
		case errors.Is(err, messages.ErrProtocolViolation):
			s.logger.Warn("protocol violation", zap.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ErrNotInService), errors.Is(err, context.Canceled):
			res, _ := json.Marshal(messages.Status{NotInService: true})
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(res)
		default:
			s.logger.Error("request failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	res, err := json.Marshal(response)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(res)
}
