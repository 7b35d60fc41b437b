package pty

import (
	"os/exec"
	"sync"
	"testing"
	"time"
)

func echoSpawner() Spawner {
	return func() (*exec.Cmd, PTYFile, error) {
		cmd := exec.Command("/bin/sh")
		local, err := StartLocalShell(cmd, 24, 80)
		if err != nil {
			return nil, nil, err
		}
		return cmd, local, nil
	}
}

func TestPoolAcquireCreatesThenReconnects(t *testing.T) {
	p := NewPool(PoolConfig{SweepInterval: time.Hour, SessionTTL: time.Hour})
	defer p.Stop()

	s1, created, err := p.Acquire("k1", 24, 80, echoSpawner())
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected first acquire to create a new session")
	}
	defer s1.Close()

	p.Release("k1")

	s2, created2, err := p.Acquire("k1", 24, 80, echoSpawner())
	if err != nil {
		t.Fatal(err)
	}
	if created2 {
		t.Fatal("expected second acquire to reconnect, not create")
	}
	if s2 != s1 {
		t.Fatal("expected reconnect to return the same session")
	}
}

func TestPoolAcquireBusyRejectsSecondOwner(t *testing.T) {
	p := NewPool(PoolConfig{SweepInterval: time.Hour, SessionTTL: time.Hour})
	defer p.Stop()

	s1, _, err := p.Acquire("k1", 24, 80, echoSpawner())
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()

	if _, _, err := p.Acquire("k1", 24, 80, echoSpawner()); err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
}

// TestPoolAcquireConcurrentSpawnsAbortLoser simulates two upgrades
// racing to claim a brand-new key: both pass the initial "not found"
// check before either spawns, so both spawn a child. Only one may win
// the key; the loser must abort its own child rather than leaking it
// or clobbering the winner's entry.
func TestPoolAcquireConcurrentSpawnsAbortLoser(t *testing.T) {
	p := NewPool(PoolConfig{SweepInterval: time.Hour, SessionTTL: time.Hour})
	defer p.Stop()

	var mu sync.Mutex
	entered := 0
	firstInSpawn := make(chan struct{})
	releaseFirst := make(chan struct{})

	spawn := func() (*exec.Cmd, PTYFile, error) {
		mu.Lock()
		entered++
		isFirst := entered == 1
		mu.Unlock()

		if isFirst {
			close(firstInSpawn)
			<-releaseFirst
		} else {
			<-firstInSpawn
		}

		cmd := exec.Command("/bin/sh")
		local, err := StartLocalShell(cmd, 24, 80)
		if err != nil {
			return nil, nil, err
		}
		return cmd, local, nil
	}

	var wg sync.WaitGroup
	var sessionA, sessionB *Session
	var errA, errB error

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessionA, _, errA = p.Acquire("race", 24, 80, spawn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-firstInSpawn
		sessionB, _, errB = p.Acquire("race", 24, 80, spawn)
	}()

	// Give the second acquire time to finish its non-blocking spawn and
	// win the insert race before the first is allowed to proceed.
	time.Sleep(50 * time.Millisecond)
	close(releaseFirst)
	wg.Wait()

	if errB != nil {
		t.Fatalf("expected second acquire to win, got err %v", errB)
	}
	if sessionB == nil {
		t.Fatal("expected second acquire to return a session")
	}
	if errA != ErrSessionBusy {
		t.Fatalf("expected first acquire to abort with ErrSessionBusy, got %v", errA)
	}
	if sessionA != nil {
		t.Fatal("expected first acquire's session to be nil after losing the race")
	}

	if got := p.Get("race"); got != sessionB {
		t.Fatalf("expected pool to hold the winning session, got %+v", got)
	}
	if p.Count() != 1 {
		t.Fatalf("expected exactly one pooled session after the race, got %d", p.Count())
	}
}

func TestPoolSweepReapsExpiredDisconnectedSessions(t *testing.T) {
	p := NewPool(PoolConfig{SweepInterval: 20 * time.Millisecond, SessionTTL: 50 * time.Millisecond})
	defer p.Stop()

	s1, _, err := p.Acquire("k1", 24, 80, echoSpawner())
	if err != nil {
		t.Fatal(err)
	}
	_ = s1
	p.Release("k1")

	deadline := time.After(2 * time.Second)
	for {
		if p.Get("k1") == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected reaper to remove expired session")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestPoolSweepLeavesInUseSessionsAlone(t *testing.T) {
	p := NewPool(PoolConfig{SweepInterval: 10 * time.Millisecond, SessionTTL: 10 * time.Millisecond})
	defer p.Stop()

	s1, _, err := p.Acquire("k1", 24, 80, echoSpawner())
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()

	time.Sleep(100 * time.Millisecond)
	if p.Get("k1") == nil {
		t.Fatal("expected in-use session to survive multiple sweeps")
	}
}
