package codec_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/voxlink/pkg/codec"
	"github.com/MrWong99/voxlink/pkg/codec/mock"
)

func newAdapter(t *testing.T, eng *mock.Engine, opts ...codec.Option) *codec.Adapter {
	t.Helper()
	a, err := codec.NewAdapter(eng, opts...)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a
}

func TestNewAdapter_RejectsBadCapability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		eng  codec.Engine
	}{
		{name: "nil engine", eng: nil},
		{name: "stereo", eng: &mock.Engine{ChannelCount: 2}},
		{name: "negative frame", eng: &mock.Engine{Frame: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := codec.NewAdapter(tt.eng)
			if !errors.Is(err, codec.ErrInitialization) {
				t.Errorf("err = %v, want ErrInitialization", err)
			}
		})
	}
}

func TestAdapter_LazyCreation(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Frame: 4}
	a := newAdapter(t, eng)
	if c := eng.Counts(); c.EncodersCreated != 0 || c.DecodersCreated != 0 {
		t.Fatalf("instances created before use: %+v", c)
	}

	pkt, err := a.Encode([]int16{5, 0, 0, 0})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if c := eng.Counts(); c.EncodersCreated != 1 || c.DecodersCreated != 0 {
		t.Fatalf("after encode: %+v", c)
	}

	pcm, err := a.Decode(pkt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 4 || pcm[0] != 5 {
		t.Errorf("decoded %v, want four samples of 5", pcm)
	}
	a.Encode([]int16{1, 2, 3, 4})
	if c := eng.Counts(); c.EncodersCreated != 1 || c.DecodersCreated != 1 {
		t.Errorf("instances recreated: %+v", c)
	}
}

func TestAdapter_FrameErrors(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{
		Frame: 4,
		EncodeError: func(n int) error {
			if n == 1 {
				return mock.ErrInjected
			}
			return nil
		},
	}
	a := newAdapter(t, eng)

	if _, err := a.Encode([]int16{1, 2, 3}); !errors.Is(err, codec.ErrCodec) {
		t.Errorf("short frame: err = %v, want ErrCodec", err)
	}
	if _, err := a.Encode([]int16{1, 2, 3, 4}); err != nil {
		t.Fatalf("first encode: %v", err)
	}
	_, err := a.Encode([]int16{1, 2, 3, 4})
	if !errors.Is(err, codec.ErrCodec) || !errors.Is(err, mock.ErrInjected) {
		t.Errorf("injected failure: err = %v, want ErrCodec wrapping ErrInjected", err)
	}
	if _, err := a.Encode([]int16{1, 2, 3, 4}); err != nil {
		t.Errorf("encoder did not recover: %v", err)
	}
	if _, err := a.Decode(nil); !errors.Is(err, codec.ErrCodec) {
		t.Errorf("empty packet: err = %v, want ErrCodec", err)
	}
}

func TestAdapter_OversizedPacket(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, &mock.Engine{Frame: 4}, codec.WithMaxPacketBytes(3))
	if _, err := a.Encode([]int16{1, 2, 3, 4}); !errors.Is(err, codec.ErrCodec) {
		t.Errorf("err = %v, want ErrCodec", err)
	}
}

func TestAdapter_InitializationFailure(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{NewDecoderError: mock.ErrInjected}
	a := newAdapter(t, eng)

	err := a.Warm()
	if !errors.Is(err, codec.ErrInitialization) {
		t.Fatalf("Warm: err = %v, want ErrInitialization", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c := eng.Counts()
	if c.EncodersCreated != 1 || c.EncodersClosed != 1 {
		t.Errorf("encoder not released after failed warm: %+v", c)
	}
}

func TestAdapter_CloseReleasesExactlyOnce(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{}
	a := newAdapter(t, eng)
	if err := a.Warm(); err != nil {
		t.Fatalf("Warm: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Close()
		}()
	}
	wg.Wait()

	c := eng.Counts()
	if c.EncodersClosed != 1 || c.DecodersClosed != 1 || c.DoubleCloses != 0 {
		t.Errorf("counts = %+v, want one release per instance", c)
	}
	st := a.Stats()
	if st.EncodersReleased != 1 || st.DecodersReleased != 1 {
		t.Errorf("stats = %+v", st)
	}

	if _, err := a.Encode(make([]int16, 960)); !errors.Is(err, codec.ErrCodecClosed) {
		t.Errorf("Encode after Close: err = %v, want ErrCodecClosed", err)
	}
	if c := eng.Counts(); c.EncodersCreated != 1 {
		t.Errorf("encoder recreated after Close: %+v", c)
	}
}

func TestAdapter_CloseUnusedReleasesNothing(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{}
	a := newAdapter(t, eng)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c := eng.Counts(); c != (mock.Counts{}) {
		t.Errorf("counts = %+v, want zero", c)
	}
}
