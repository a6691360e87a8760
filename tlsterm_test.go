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

package tlsterm

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/loopholelabs/testing/conn/pair"
	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/tlsterm/internal/testengine"
	"github.com/loopholelabs/tlsterm/pkg/engine"
	"github.com/loopholelabs/tlsterm/pkg/filter"
	"github.com/loopholelabs/tlsterm/pkg/vhost"
)

func createPair(t require.TestingT) (net.Conn, net.Conn) {
	serverSocket, clientSocket, err := pair.New()
	require.NoError(t, err)
	return serverSocket, clientSocket
}

func testResolver(t require.TestingT) *vhost.Resolver {
	newEngine := func(_ *vhost.Host) (engine.Session, error) {
		return testengine.NewServer(testengine.Options{}), nil
	}
	base, err := vhost.New(vhost.Config{Name: "a.net", NewEngine: newEngine})
	require.NoError(t, err)
	other, err := vhost.New(vhost.Config{Name: "b.net", NewEngine: newEngine})
	require.NoError(t, err)
	r, err := vhost.NewResolver(base, other)
	require.NoError(t, err)
	return r
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Options{})
	require.ErrorIs(t, err, filter.ErrNoResolver)
}

func TestConnection(t *testing.T) {
	serverSocket, clientSocket := createPair(t)

	server, err := NewServer(Options{Resolver: testResolver(t)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client := testengine.NewClient("b.net", testengine.Options{})
		t.Log("client initiating handshake")
		require.NoError(t, client.Handshake(clientSocket))
		t.Log("client handshake complete")

		tconn, err := testengine.NewConn(clientSocket, client)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			message := fmt.Sprintf("message #%d", i)
			_, err := tconn.Write([]byte(message))
			require.NoError(t, err)

			echo := make([]byte, len(message))
			_, err = io.ReadFull(tconn, echo)
			require.NoError(t, err)
			require.Equal(t, message, string(echo))
		}
		require.NoError(t, tconn.Close())
	}()

	tlsConn, err := server.Connection(serverSocket)
	require.NoError(t, err)

	sess := tlsConn.(*Conn).Session()
	require.Equal(t, filter.StateTraffic, sess.State())
	require.Equal(t, "b.net", sess.SNIHostname())
	require.Equal(t, "b.net", sess.Host().Name())
	require.Equal(t, "TLSv1.3", sess.Protocol())
	require.Equal(t, "on", sess.Vars()["HTTPS"])

	buf := make([]byte, 64)
	for {
		n, err := tlsConn.Read(buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		_, err = tlsConn.Write(buf[:n])
		require.NoError(t, err)
	}
	wg.Wait()

	_ = tlsConn.Close()
	_ = serverSocket.Close()
}

func TestConnectionRejectsProtocolPolicy(t *testing.T) {
	serverSocket, clientSocket := createPair(t)
	t.Cleanup(func() {
		_ = serverSocket.Close()
		_ = clientSocket.Close()
	})

	// the demo engine negotiates TLSv1.3; a host demanding more must
	// abort the handshake
	newEngine := func(_ *vhost.Host) (engine.Session, error) {
		return testengine.NewServer(testengine.Options{Protocol: "TLSv1.2"}), nil
	}
	base, err := vhost.New(vhost.Config{Name: "a.net", MinProtocol: "1.3", NewEngine: newEngine})
	require.NoError(t, err)
	resolver, err := vhost.NewResolver(base)
	require.NoError(t, err)

	server, err := NewServer(Options{Resolver: resolver})
	require.NoError(t, err)

	go func() {
		client := testengine.NewClient("a.net", testengine.Options{})
		_ = client.Handshake(clientSocket)
	}()

	_, err = server.Connection(serverSocket)
	require.Error(t, err)
}

func throughputRunner(testSize, packetSize uint32, readerConn, writerConn net.Conn) func(b *testing.B) {
	return func(b *testing.B) {
		b.SetBytes(int64(testSize * packetSize))
		b.ReportAllocs()

		randomData := make([]byte, packetSize)
		_, err := rand.Read(randomData)
		require.NoError(b, err)

		readData := make([]byte, packetSize)

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				for x := uint32(0); x < testSize; x++ {
					_, err := io.ReadFull(readerConn, readData)
					require.NoError(b, err)
				}
				wg.Done()
			}()
			for x := uint32(0); x < testSize; x++ {
				_, err := writerConn.Write(randomData)
				require.NoError(b, err)
			}
			wg.Wait()
		}
		b.StopTimer()
	}
}

func BenchmarkTerminated(b *testing.B) {
	const testSize = 100

	serverSocket, clientSocket := createPair(b)

	server, err := NewServer(Options{Resolver: testResolver(b)})
	require.NoError(b, err)

	var tconn net.Conn
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client := testengine.NewClient("a.net", testengine.Options{})
		require.NoError(b, client.Handshake(clientSocket))
		conn, err := testengine.NewConn(clientSocket, client)
		require.NoError(b, err)
		tconn = conn
	}()

	tlsConn, err := server.Connection(serverSocket)
	require.NoError(b, err)
	wg.Wait()

	b.Run("512 Bytes", throughputRunner(testSize, 512, tlsConn, tconn))
	b.Run("4096 Bytes", throughputRunner(testSize, 4096, tlsConn, tconn))

	_ = tlsConn.Close()
	_ = serverSocket.Close()
	_ = clientSocket.Close()
}
