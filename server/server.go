// Package server implements the RPC server with service registration, middleware chain,
// parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
//
// Every failure is answered with a status the client classifies as a remote
// failure: unknown service (ObjectNotExist), unknown method
// (OperationNotExist), undecodable args (Protocol), an error returned by the
// method (User) or a panic in it (Unknown). Oneway requests are processed the
// same way but never answered.
package server

import (
	"context"
	"encoding/json"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hack0303/ice/codec"
	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/message"
	"github.com/hack0303/ice/middleware"
	"github.com/hack0303/ice/protocol"
	"github.com/hack0303/ice/registry"
)

const defaultRegistryTTL = 10 // seconds; the registry keeps the lease alive

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	mu          sync.RWMutex
	serviceMap  map[string]*service     // "Arith" → *service
	middlewares []middleware.Middleware // applied in order
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))

	log         *zap.Logger
	registryTTL int64

	listener      net.Listener
	conns         map[net.Conn]struct{}
	wg            sync.WaitGroup // in-flight requests
	shutdown      atomic.Bool    // suppresses the Accept error caused by Shutdown
	registry      registry.Registry
	advertiseAddr string // registered address; a listen address like ":8080" is not routable
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRegistryTTL sets the lease TTL in seconds used when registering services.
func WithRegistryTTL(ttl int64) Option {
	return func(s *Server) { s.registryTTL = ttl }
}

// NewServer creates a new RPC server with an empty service map.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap:  make(map[string]*service),
		conns:       make(map[net.Conn]struct{}),
		log:         zap.NewNop(),
		registryTTL: defaultRegistryTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register exposes rcvr (e.g. &Arith{}) under its type name. Its exported
// methods with an RPC signature become callable.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return errors.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	svr.log.Debug("registered service", zap.String("service", svc.name), zap.Int("methods", len(svc.method)))
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be added before serving.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. See ServeListener.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return svr.ServeListener(l, advertiseAddr, reg)
}

// ServeListener accepts connections on l until Shutdown. If reg is not nil,
// every service is registered there under advertiseAddr (the listener's
// address when empty) and deregistered by Shutdown.
func (svr *Server) ServeListener(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = l.Addr().String()
	}

	svr.mu.Lock()
	svr.listener = l
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.registry = reg
	svr.advertiseAddr = advertiseAddr
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, name := range names {
			err := reg.Register(ctx, name, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, svr.registryTTL)
			if err != nil {
				cancel()
				l.Close()
				return errors.Wrapf(err, "register %s", name)
			}
		}
		cancel()
	}

	svr.log.Info("serving", zap.Stringer("listen", l.Addr()), zap.String("advertise", advertiseAddr), zap.Strings("services", names))

	for {
		conn, err := l.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go svr.handleConn(conn)
	}
}

// Addr is the address being served, or nil before serving starts.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn reads frames sequentially (frame boundaries need a single
// reader) and processes each request on its own goroutine. writeMu keeps
// concurrent replies from interleaving on conn.
func (svr *Server) handleConn(conn net.Conn) {
	if !svr.track(conn) {
		conn.Close()
		return
	}
	defer svr.untrack(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := svr.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			log.Debug("connection closed", zap.Error(err))
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest, protocol.MsgTypeOneway:
		default:
			log.Warn("ignoring unexpected frame", zap.Uint8("type", uint8(header.MsgType)), zap.Uint32("seq", header.Seq))
			continue
		}

		if !svr.begin() {
			log.Debug("dropping request after shutdown", zap.Uint32("seq", header.Seq))
			return
		}
		go svr.handleRequest(ctx, log, header, body, conn, writeMu)
	}
}

// begin counts a request in flight. Shutdown sets the flag under svr.mu
// before it waits, so no request is added once the wait may have started.
func (svr *Server) begin() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) track(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrack(conn net.Conn) {
	svr.mu.Lock()
	delete(svr.conns, conn)
	svr.mu.Unlock()
	conn.Close()
}

// handleRequest processes a single request: decode → middleware → business
// logic → encode → write. Oneway requests stop before the write.
func (svr *Server) handleRequest(ctx context.Context, log *zap.Logger, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		log.Warn("dropping request", zap.Uint32("seq", header.Seq), zap.Error(err))
		return
	}

	var reply *message.RPCMessage
	var req message.RPCMessage
	if err := c.Decode(body, &req); err != nil {
		reply = message.Failure("", errs.RemoteProtocol, "malformed request: "+err.Error())
	} else {
		reply = svr.handler(ctx, &req)
	}

	if header.MsgType == protocol.MsgTypeOneway {
		if reply.Failed() {
			log.Debug("oneway request failed", zap.String("method", req.ServiceMethod), zap.String("error", reply.Error))
		}
		return
	}

	result, err := c.Encode(reply)
	if err != nil {
		log.Error("encoding reply", zap.String("method", req.ServiceMethod), zap.Error(err))
		result, err = c.Encode(message.Failure(req.ServiceMethod, errs.RemoteUnknown, "reply could not be encoded"))
		if err != nil {
			return
		}
	}

	// Same Seq as the request: this is how the client correlates replies.
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		log.Debug("writing reply", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// Shutdown stops the server gracefully:
//  1. Deregister all services (clients stop routing here).
//  2. Close the listener and stop taking requests on open connections.
//  3. Wait for in-flight requests, up to timeout.
//  4. Close the remaining connections.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, addr := svr.registry, svr.advertiseAddr
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.RUnlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range names {
			if err := reg.Deregister(ctx, name, addr); err != nil {
				svr.log.Warn("deregistering", zap.String("service", name), zap.Error(err))
			}
		}
		cancel()
	}

	// The flag must be set before the listener closes, or Serve reports the
	// Accept error as real.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}

// businessHandler dispatches a request to the registered service. It is
// wrapped by the middleware chain.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply)
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" || methodName == "" {
		return message.Failure(req.ServiceMethod, errs.RemoteProtocol, "malformed service method "+req.ServiceMethod)
	}

	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		return message.Failure(req.ServiceMethod, errs.RemoteObjectNotExist, "no service "+serviceName)
	}
	method := svc.method[methodName]
	if method == nil {
		return message.Failure(req.ServiceMethod, errs.RemoteOperationNotExist, "no method "+methodName+" on "+serviceName)
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return message.Failure(req.ServiceMethod, errs.RemoteProtocol, "decoding args: "+err.Error())
		}
	}

	if err := svc.call(ctx, method, argv, replyv); err != nil {
		var p *panicError
		if errors.As(err, &p) {
			svr.log.Error("method panicked", zap.String("method", req.ServiceMethod),
				zap.Any("panic", p.value), zap.ByteString("stack", p.stack))
			return message.Failure(req.ServiceMethod, errs.RemoteUnknown, err.Error())
		}
		return message.Failure(req.ServiceMethod, errs.RemoteUser, err.Error())
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.Failure(req.ServiceMethod, errs.RemoteUnknown, "encoding reply: "+err.Error())
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: payload}
}
