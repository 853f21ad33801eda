package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestFakeTransportUnicastDelivery(t *testing.T) {
	bus := NewBus()
	a := NewFakeTransport(bus, "sensor-1")
	b := NewFakeTransport(bus, "hub-1")

	if err := a.Send(context.Background(), b.LocalAddr(), []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	from, data, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if from.String() != "sensor-1" || !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("unexpected delivery: from=%s data=%q", from, data)
	}
}

func TestFakeTransportMulticastFanOutExcludesSender(t *testing.T) {
	bus := NewBus()
	hub := NewFakeTransport(bus, "hub-1")
	s1 := NewFakeTransport(bus, "sensor-1")
	s2 := NewFakeTransport(bus, "sensor-2")

	for _, member := range []*FakeTransport{hub, s1, s2} {
		if err := member.JoinMulticast("239.255.0.1:56700"); err != nil {
			t.Fatalf("join multicast: %v", err)
		}
	}

	if err := hub.Send(context.Background(), FakeAddr("239.255.0.1:56700"), []byte("discover")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := s1.Recv(ctx); err != nil {
		t.Fatalf("sensor-1 recv: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, _, err := s2.Recv(ctx2); err != nil {
		t.Fatalf("sensor-2 recv: %v", err)
	}

	shortCtx, cancel3 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel3()
	if _, _, err := hub.Recv(shortCtx); err == nil {
		t.Fatalf("hub should not receive its own multicast send")
	}
}

func TestFakeTransportSendToUnregisteredAddrErrors(t *testing.T) {
	bus := NewBus()
	a := NewFakeTransport(bus, "sensor-1")
	err := a.Send(context.Background(), FakeAddr("nowhere"), []byte("x"))
	if err == nil {
		t.Fatalf("expected error sending to unregistered address")
	}
}
