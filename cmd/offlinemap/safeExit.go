package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// safeExit runs registered cleanups once when the process is asked to stop.
type safeExit struct {
	mu    sync.Mutex
	funcs []func()
	log   logrus.FieldLogger
	once  sync.Once
}

func newSafeExit(log logrus.FieldLogger) *safeExit {
	s := &safeExit{log: log}
	go s.listen()
	return s
}

func (s *safeExit) Register(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs = append(s.funcs, f)
}

// Run calls the cleanups in reverse registration order.
func (s *safeExit) Run() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := len(s.funcs) - 1; i >= 0; i-- {
			s.funcs[i]()
		}
	})
}

func (s *safeExit) listen() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigs
	s.log.Infof("received %s, stopping", sig)
	s.Run()
	os.Exit(0)
}
