package main

import (
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestServe_WaitsForInFlightRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	})}

	stop := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(server, ln, stop, 5*time.Second)
	}()

	respCh := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				err = errors.New(resp.Status)
			}
		}
		respCh <- err
	}()

	<-entered
	stop <- syscall.SIGTERM

	// 処理中のリクエストが終わるまでは返らない
	select {
	case err := <-done:
		t.Fatalf("serve returned before in-flight request finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after request finished")
	}
	if err := <-respCh; err != nil {
		t.Errorf("in-flight request failed: %v", err)
	}
}

func TestServe_ShutdownTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})}

	stop := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(server, ln, stop, 50*time.Millisecond)
	}()
	go func() {
		if resp, err := http.Get("http://" + ln.Addr().String()); err == nil {
			resp.Body.Close()
		}
	}()

	<-entered
	stop <- syscall.SIGTERM

	select {
	case err := <-done:
		if err == nil {
			t.Error("want error when handlers outlive the shutdown timeout")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after shutdown timeout")
	}
}

func TestServe_ReturnsServeError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	ln.Close()

	err = serve(&http.Server{}, ln, make(chan os.Signal), time.Second)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		t.Errorf("want listener error, got %v", err)
	}
}
