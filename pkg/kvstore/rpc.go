package kvstore

import (
	"fmt"
	"net"
	"net/rpc"
	"os"
)

// Go's fork+exec model has no genuinely shared memory segment between a
// parent and its subprocesses, so Server exposes a Store over a
// Unix-domain socket instead: every worker subprocess dials in and issues
// ordinary RPCs. Mutation stays atomic at the key level because every
// call serializes through the store's own lock.
type Server struct {
	store    *Store
	listener net.Listener
}

// GetArgs/GetReply etc. are the wire types for the KV RPC service.
type (
	GetArgs struct {
		Key        string
		HasDefault bool
		Default    any
		AllowBlock bool
	}
	GetReply struct {
		Value any
		Found bool
	}
	SetArgs struct {
		Key   string
		Value any
	}
	Ack struct{}
)

// Serve starts listening on a fresh Unix-domain socket at socketPath
// (removing any stale file there first) and returns the Server. Callers
// hand socketPath to subprocesses via their environment.
func Serve(store *Store, socketPath string) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("kvstore: listen on %s: %w", socketPath, err)
	}
	s := &Server{store: store, listener: ln}
	rpcSrv := rpc.NewServer()
	if err := rpcSrv.RegisterName("KV", (*rpcReceiver)(s)); err != nil {
		ln.Close()
		return nil, fmt.Errorf("kvstore: register rpc service: %w", err)
	}
	go rpcSrv.Accept(ln)
	return s, nil
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.listener.Addr().String())
	return err
}

// rpcReceiver is a distinct type so its exported methods (the RPC surface)
// don't leak onto Server's own public API.
type rpcReceiver Server

func (r *rpcReceiver) Get(args GetArgs, reply *GetReply) error {
	store := (*Server)(r).store
	if args.HasDefault {
		reply.Value = store.GetDefault(args.Key, args.Default)
		reply.Found = true
		return nil
	}
	if !args.AllowBlock {
		store.mu.RLock()
		v, ok := store.data[args.Key]
		store.mu.RUnlock()
		reply.Value, reply.Found = v, ok
		return nil
	}
	v, ok := store.Get(args.Key, nil)
	reply.Value, reply.Found = v, ok
	return nil
}

func (r *rpcReceiver) Set(args SetArgs, _ *Ack) error {
	(*Server)(r).store.Set(args.Key, args.Value)
	return nil
}

func (r *rpcReceiver) Contains(key string, reply *bool) error {
	*reply = (*Server)(r).store.Contains(key)
	return nil
}

func (r *rpcReceiver) Delete(key string, _ *Ack) error {
	(*Server)(r).store.Delete(key)
	return nil
}

func (r *rpcReceiver) Keys(_ struct{}, reply *[]string) error {
	*reply = (*Server)(r).store.Keys()
	return nil
}
