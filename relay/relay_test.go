package relay

import (
	"context"
	"encoding/base64"
	"net"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/box"
	"github.com/hossein1376/hark/stp"
)

func newRelay(t *testing.T, cfg Config) (*Relay, string) {
	t.Helper()
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	r := New(cfg, reg, zerolog.Nop())

	id, err := attest.New()
	require.NoError(t, err)
	srv := stp.NewServer("", id, r.Handle)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = reg.Close()
	})
	return r, l.Addr().String()
}

func dial(t *testing.T, addr string, id *attest.Attest, hello *box.Hello) *stp.Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	tr, err := stp.Dial(ctx, addr, id, stp.AcceptAny)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	_, err = tr.Send(box.KindHello, hello)
	require.NoError(t, err)
	_ = tr.SetReadDeadline(time.Now().Add(5 * time.Second))
	return tr
}

func receive(t *testing.T, tr *stp.Transport, kind box.Kind, dst box.Unmarshaler) {
	t.Helper()
	frame, err := tr.Receive()
	require.NoError(t, err)
	require.Equal(t, kind, frame.Kind)
	if dst != nil {
		require.NoError(t, frame.Decode(dst))
	}
}

func closedWith(t *testing.T, tr *stp.Transport, reason stp.Reason) {
	t.Helper()
	for {
		_, err := tr.Receive()
		if err != nil {
			require.Equal(t, reason, stp.ReasonOf(err), "error: %v", err)
			return
		}
	}
}

// register pairs id with r and returns the new device ID.
func register(t *testing.T, r *Relay, addr string, id *attest.Attest) string {
	t.Helper()
	tr := dial(t, addr, id, &box.Hello{Name: "phone", RegistrationID: 42})
	var ref box.PairRef
	receive(t, tr, box.KindPairRef, &ref)
	device, err := r.Approve(ref.Ref)
	require.NoError(t, err)
	var success box.PairSuccess
	receive(t, tr, box.KindPairSuccess, &success)
	require.Equal(t, device.ID, success.DeviceID)
	closedWith(t, tr, stp.RestartRequired)
	return device.ID
}

func TestRelay_Pairing(t *testing.T) {
	a := require.New(t)
	r, addr := newRelay(t, Config{Name: "relay"})
	id, err := attest.New()
	a.NoError(err)

	tr := dial(t, addr, id, &box.Hello{Name: "phone", RegistrationID: 42})
	var ref box.PairRef
	receive(t, tr, box.KindPairRef, &ref)
	a.Regexp(regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{4}-[0-9A-HJKMNP-TV-Z]{4}$`), ref.Ref)
	a.Equal(60*time.Second, ref.TTL)

	pending := r.Pending()
	a.Len(pending, 1)
	a.Equal(ref.Ref, pending[0].Ref)
	a.Equal("phone", pending[0].Name)

	// Pings are answered while waiting for approval.
	_, err = tr.Send(box.KindPing, box.Empty{})
	a.NoError(err)
	receive(t, tr, box.KindPong, nil)

	other, err := attest.New()
	a.NoError(err)
	wrongKey := ref.Ref + "," + base64.StdEncoding.EncodeToString(other.MarshalPublicKey())
	_, err = r.Approve(wrongKey)
	a.ErrorIs(err, ErrKeyMismatch)
	_, err = r.Approve("0000-0000")
	a.ErrorIs(err, ErrUnknownRef)

	payload := ref.Ref + "," + base64.StdEncoding.EncodeToString(id.MarshalPublicKey())
	device, err := r.Approve(payload)
	a.NoError(err)
	a.Equal("phone", device.Name)
	a.Equal(uint32(42), device.RegistrationID)
	a.Equal(id.MarshalPublicKey(), device.PublicKey)

	var success box.PairSuccess
	receive(t, tr, box.KindPairSuccess, &success)
	a.Equal(device.ID, success.DeviceID)
	a.Equal("relay", success.Name)
	closedWith(t, tr, stp.RestartRequired)

	devices, err := r.Devices()
	a.NoError(err)
	a.Len(devices, 1)
	a.Equal(device.ID, devices[0].ID)
	a.Empty(r.Pending())

	_, err = r.Approve(payload)
	a.ErrorIs(err, ErrUnknownRef)
}

func TestRelay_PairingTimesOut(t *testing.T) {
	a := require.New(t)
	r, addr := newRelay(t, Config{
		FirstRefTTL: 100 * time.Millisecond,
		RefTTL:      50 * time.Millisecond,
		MaxRefs:     3,
	})
	id, err := attest.New()
	a.NoError(err)

	tr := dial(t, addr, id, &box.Hello{Name: "phone"})
	seen := map[string]bool{}
	for i := range 3 {
		var ref box.PairRef
		receive(t, tr, box.KindPairRef, &ref)
		if i == 0 {
			a.Equal(100*time.Millisecond, ref.TTL)
		} else {
			a.Equal(50*time.Millisecond, ref.TTL)
		}
		seen[ref.Ref] = true
	}
	a.Len(seen, 3)
	closedWith(t, tr, stp.TimedOut)
	a.Empty(r.Pending())
}

func TestRelay_KnownDevice(t *testing.T) {
	a := require.New(t)
	r, addr := newRelay(t, Config{})
	id, err := attest.New()
	a.NoError(err)
	deviceID := register(t, r, addr, id)

	tr := dial(t, addr, id, &box.Hello{DeviceID: deviceID, Name: "phone"})
	var ready box.Ready
	receive(t, tr, box.KindReady, &ready)
	a.Equal(deviceID, ready.DeviceID)
	a.True(r.Online(deviceID))

	_, err = tr.Send(box.KindPing, box.Empty{})
	a.NoError(err)
	receive(t, tr, box.KindPong, nil)

	sent, err := r.Deliver(t.Context(), "operator", deviceID, "hi")
	a.NoError(err)
	var msg box.Message
	receive(t, tr, box.KindMessage, &msg)
	a.Equal(sent.ID, msg.ID)
	a.Equal("hi", msg.Conversation)
	a.Equal("operator", msg.From)

	_, err = r.Deliver(t.Context(), "operator", "nobody", "hi")
	a.ErrorIs(err, ErrOffline)

	device, err := r.registry.Get(deviceID)
	a.NoError(err)
	a.False(device.LastSeen.IsZero())

	// A second connection replaces the first.
	tr2 := dial(t, addr, id, &box.Hello{DeviceID: deviceID, Name: "phone"})
	closedWith(t, tr, stp.ConnectionReplaced)
	receive(t, tr2, box.KindReady, nil)

	_, err = tr2.Send(box.KindLogout, box.Empty{})
	a.NoError(err)
	closedWith(t, tr2, stp.LoggedOut)
	_, err = r.registry.Get(deviceID)
	a.ErrorIs(err, ErrUnknownDevice)
}

func TestRelay_WrongKey(t *testing.T) {
	a := require.New(t)
	r, addr := newRelay(t, Config{})
	id, err := attest.New()
	a.NoError(err)
	deviceID := register(t, r, addr, id)

	thief, err := attest.New()
	a.NoError(err)
	tr := dial(t, addr, thief, &box.Hello{DeviceID: deviceID})
	closedWith(t, tr, stp.BadSession)
	a.False(r.Online(deviceID))
}

func TestRelay_Unpair(t *testing.T) {
	a := require.New(t)
	r, addr := newRelay(t, Config{})
	id, err := attest.New()
	a.NoError(err)
	deviceID := register(t, r, addr, id)

	tr := dial(t, addr, id, &box.Hello{DeviceID: deviceID})
	receive(t, tr, box.KindReady, nil)
	a.NoError(r.Unpair(deviceID))
	closedWith(t, tr, stp.LoggedOut)
	a.ErrorIs(r.Unpair(deviceID), ErrUnknownDevice)
}

func TestNormalizeRef(t *testing.T) {
	a := require.New(t)
	a.Equal("ABCD-EFGH", normalizeRef(" abcd-efgh "))
	a.Equal("ABCD-EFGH", normalizeRef("abcdefgh"))

	ref, err := newRef()
	a.NoError(err)
	a.Len(ref, 9)
	a.Equal(ref, normalizeRef(ref))
}

func TestRelay_SilentDeviceGoesOffline(t *testing.T) {
	a := require.New(t)
	r, addr := newRelay(t, Config{KeepAlive: 50 * time.Millisecond})
	id, err := attest.New()
	a.NoError(err)
	deviceID := register(t, r, addr, id)

	tr := dial(t, addr, id, &box.Hello{DeviceID: deviceID, Name: "phone"})
	receive(t, tr, box.KindReady, nil)
	a.True(r.Online(deviceID))
	a.Equal(1, r.OnlineCount())

	// Pings keep the device online past the idle limit.
	for range 5 {
		time.Sleep(50 * time.Millisecond)
		_, err = tr.Send(box.KindPing, box.Empty{})
		a.NoError(err)
		receive(t, tr, box.KindPong, nil)
	}
	a.True(r.Online(deviceID))

	// Without them the relay drops the connection.
	a.Eventually(func() bool { return !r.Online(deviceID) }, 2*time.Second, 10*time.Millisecond)
	a.Zero(r.OnlineCount())
	_, err = r.Deliver(t.Context(), "operator", deviceID, "anyone there?")
	a.ErrorIs(err, ErrOffline)
}
