package registry

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/nKV/lib/kv"
)

func testTransport(port int32, status kv.PathStatus) kv.ContainerTransport {
	return kv.ContainerTransport{
		PathID:     port,
		Address:    "10.0.0.1",
		Port:       port,
		Family:     kv.FamilyIPv4,
		Speed:      kv.Speed100G,
		Status:     status,
		MountPoint: "/mnt/nvme0",
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()

	a, err := r.Register(1, testTransport(1030, kv.PathUp))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	b, err := r.Register(1, testTransport(1030, kv.PathUp))
	if err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if a != b {
		t.Fatal("registering the same path twice should return the same transport")
	}
	if n := len(r.List(1)); n != 1 {
		t.Fatalf("expected 1 transport, got %d", n)
	}

	if _, err := r.Register(2, testTransport(1030, kv.PathUp)); !errors.Is(err, kv.ErrInvalidArgument) {
		t.Fatalf("registering a path for a second container should fail, got %v", err)
	}
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	r := New()
	ports := []int32{1032, 1030, 1031}
	for _, p := range ports {
		if _, err := r.Register(7, testTransport(p, kv.PathUp)); err != nil {
			t.Fatalf("register %d failed: %v", p, err)
		}
	}

	list := r.List(7)
	if len(list) != len(ports) {
		t.Fatalf("expected %d transports, got %d", len(ports), len(list))
	}
	for i, p := range ports {
		if list[i].Info().Port != p {
			t.Errorf("position %d: expected port %d, got %d", i, p, list[i].Info().Port)
		}
	}
}

func TestUpdateStatusNotifiesListeners(t *testing.T) {
	r := New()
	tr, _ := r.Register(1, testTransport(1030, kv.PathUp))

	var flips []kv.PathStatus
	r.OnStatusChange(func(_ *Transport, _, to kv.PathStatus) {
		flips = append(flips, to)
	})

	if err := r.UpdateStatus(tr.Hash(), kv.PathDown); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	// same status again is a no-op
	if err := r.UpdateStatus(tr.Hash(), kv.PathDown); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := r.UpdateStatus(tr.Hash(), kv.PathUp); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if len(flips) != 2 || flips[0] != kv.PathDown || flips[1] != kv.PathUp {
		t.Fatalf("unexpected notifications: %v", flips)
	}

	if err := r.UpdateStatus(tr.Hash(), kv.PathStatus(5)); !errors.Is(err, kv.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown status, got %v", err)
	}
	if err := r.UpdateStatus(12345, kv.PathUp); !errors.Is(err, kv.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown path, got %v", err)
	}
}

func TestRemoveWaitsForInFlightRequests(t *testing.T) {
	r := New()
	tr, _ := r.Register(1, testTransport(1030, kv.PathUp))
	tr.Acquire(512)

	if err := r.Remove(tr.Hash()); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok := r.Lookup(tr.Hash()); ok {
		t.Fatal("removed path should not be found")
	}
	if len(r.List(1)) != 0 {
		t.Fatal("removed path should not be listed")
	}

	// the hash is still reserved while a request is in flight
	if _, err := r.Register(1, testTransport(1030, kv.PathUp)); err == nil {
		t.Fatal("re-registering a draining path should fail")
	}

	tr.Release(512)
	again, err := r.Register(1, testTransport(1030, kv.PathUp))
	if err != nil {
		t.Fatalf("re-register after drain failed: %v", err)
	}
	if again == tr {
		t.Fatal("re-registration should create a fresh transport")
	}
}

func TestRegisterContainer(t *testing.T) {
	r := New()
	c := kv.Container{
		ID:   3,
		UUID: "6b3c0a7e-2d55-4e5e-9d0c-0a5f2f6b1e11",
		Name: "c3",
		Transports: []kv.ContainerTransport{
			testTransport(1030, kv.PathUp),
			testTransport(1031, kv.PathDown),
		},
	}

	hash, err := r.RegisterContainer(c)
	if err != nil {
		t.Fatalf("register container failed: %v", err)
	}
	if hash == 0 {
		t.Fatal("container hash should be derived from the uuid")
	}

	got, ok := r.Container(hash)
	if !ok {
		t.Fatal("container not found")
	}
	if got.Name != "c3" || len(got.Transports) != 2 {
		t.Fatalf("unexpected container snapshot: %+v", got)
	}
	if got.Transports[1].Status != kv.PathDown {
		t.Fatal("snapshot should carry the live status")
	}
	if got.Transports[0].PathHash == 0 {
		t.Fatal("snapshot should carry the path hash")
	}

	if all := r.Containers(); len(all) != 1 || all[0].Hash != hash {
		t.Fatalf("unexpected containers: %+v", all)
	}

	tooMany := kv.Container{UUID: "x"}
	for i := 0; i <= kv.MaxContainerTransports; i++ {
		tooMany.Transports = append(tooMany.Transports, testTransport(int32(2000+i), kv.PathUp))
	}
	if _, err := r.RegisterContainer(tooMany); !errors.Is(err, kv.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for too many transports, got %v", err)
	}
}
