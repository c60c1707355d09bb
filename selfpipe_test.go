package xnet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfPipe_SendDrainRoundTrip(t *testing.T) {
	p, err := newSelfPipe()
	require.NoError(t, err)
	defer p.close()

	require.NoError(t, p.send(cmdUser, []byte("payload")))

	has, err := p.hasCommand()
	require.NoError(t, err)
	assert.True(t, has)

	frames, err := p.drain()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, cmdUser, frames[0].Type)
	assert.Equal(t, []byte("payload"), frames[0].Body)

	has, err = p.hasCommand()
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSelfPipe_RejectsOversizedBody(t *testing.T) {
	p, err := newSelfPipe()
	require.NoError(t, err)
	defer p.close()

	err = p.send(cmdUser, make([]byte, maxCommandBody+1))
	assert.ErrorIs(t, err, ErrCommandTooLarge)
}

func TestSelfPipe_ConcurrentSendersNeverTearFrames(t *testing.T) {
	p, err := newSelfPipe()
	require.NoError(t, err)
	defer p.close()

	const senders = 16
	const perSender = 20

	var wg sync.WaitGroup
	wg.Add(senders)
	for s := 0; s < senders; s++ {
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				body := []byte{byte(s), byte(i)}
				require.NoError(t, p.send(cmdUser, body))
			}
		}(s)
	}
	wg.Wait()

	var frames []cmdFrame
	for len(frames) < senders*perSender {
		fs, err := p.drain()
		require.NoError(t, err)
		frames = append(frames, fs...)
	}

	for _, f := range frames {
		require.Equal(t, cmdUser, f.Type)
		require.Len(t, f.Body, 2, "a torn frame would produce a body of the wrong length")
	}
	assert.Len(t, frames, senders*perSender)
}
