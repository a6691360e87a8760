/*
	Copyright 2023 Loophole Labs

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

		   http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package transport

import (
	"io"
	"os"
	"sync"
	"testing"

	"github.com/loopholelabs/testing/conn/pair"
	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/tlsterm/pkg/brigade"
)

func TestReadBytesBlocking(t *testing.T) {
	serverSocket, clientSocket, err := pair.New()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = serverSocket.Close()
		_ = clientSocket.Close()
	})

	tr := NewNet(serverSocket)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		_, err := clientSocket.Write([]byte("wire bytes"))
		require.NoError(t, err)
		wg.Done()
	}()

	dst := brigade.New()
	err = tr.ReadBytes(dst, true, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("wire bytes"), dst.Bytes())
	require.False(t, dst.HasMarker(brigade.MetaEOS))
	wg.Wait()
}

func TestReadBytesNonBlockingIdle(t *testing.T) {
	serverSocket, clientSocket, err := pair.New()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = serverSocket.Close()
		_ = clientSocket.Close()
	})

	tr := NewNet(serverSocket)
	dst := brigade.New()
	err = tr.ReadBytes(dst, false, 0)
	require.ErrorIs(t, err, ErrWouldBlock)
	require.True(t, dst.Empty())
}

func TestReadBytesEndOfStream(t *testing.T) {
	serverSocket, clientSocket, err := pair.New()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = serverSocket.Close()
	})

	require.NoError(t, clientSocket.Close())

	tr := NewNet(serverSocket)
	dst := brigade.New()
	err = tr.ReadBytes(dst, true, 0)
	require.NoError(t, err)
	require.True(t, dst.HasMarker(brigade.MetaEOS))
}

func TestWrite(t *testing.T) {
	serverSocket, clientSocket, err := pair.New()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = serverSocket.Close()
		_ = clientSocket.Close()
	})

	tr := NewNet(serverSocket)

	bb := brigade.New()
	bb.AppendData([]byte("first "))
	bb.Append(brigade.Marker(brigade.MetaFlush))
	bb.AppendData([]byte("second"))
	err = tr.Write(bb)
	require.NoError(t, err)
	require.True(t, bb.Empty())

	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(clientSocket, buf, len("first second"))
	require.NoError(t, err)
	require.Equal(t, []byte("first second"), buf[:n])
}

func TestWriteFileBucket(t *testing.T) {
	serverSocket, clientSocket, err := pair.New()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = serverSocket.Close()
		_ = clientSocket.Close()
	})

	f, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	_, err = f.WriteString("0123456789")
	require.NoError(t, err)

	tr := NewNet(serverSocket)
	bb := brigade.New()
	bb.Append(brigade.File(f, 3, 4))
	err = tr.Write(bb)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := io.ReadAtLeast(clientSocket, buf, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("3456"), buf[:n])
}
