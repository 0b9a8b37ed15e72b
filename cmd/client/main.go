// Copyright (c) 2020 Sperax
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

// Command client is a non-GUI demo driver for the chat protocol: it
// registers an identity, joins channels, and exchanges encrypted
// messages and files over a line-oriented stdin command loop. It
// exists to exercise the broker end to end, not as a finished user
// interface.
package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	clientcrypto "github.com/larry-lines/justirc/client/crypto"
	"github.com/larry-lines/justirc/client/transfer"
	"github.com/larry-lines/justirc/internal/envelope"
)

type client struct {
	conn     net.Conn
	reader   *envelope.Reader
	writer   *envelope.Writer
	identity *clientcrypto.Identity
	nickname string
	userID   string

	mu           sync.Mutex
	channelKeys  map[string]*clientcrypto.ChannelKey // channel -> key
	peerSessions map[string]*clientcrypto.PairwiseSession // nickname -> session
	peerIDs      map[string]string                        // nickname -> user id
}

func main() {
	app := &cli.App{
		Name:  "justirc-client",
		Usage: "connect to a broker and drive the chat protocol from stdin",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:6667", Usage: "broker address"},
			&cli.StringFlag{Name: "nickname", Required: true},
			&cli.StringFlag{Name: "password", Usage: "account password, if the nickname is registered"},
		},
		Action: func(c *cli.Context) error {
			return run(c.String("addr"), c.String("nickname"), c.String("password"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(addr, nickname, password string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	id, err := clientcrypto.NewIdentity()
	if err != nil {
		return err
	}

	c := &client{
		conn:         conn,
		reader:       envelope.NewReader(conn),
		writer:       envelope.NewWriter(conn),
		identity:     id,
		nickname:     nickname,
		channelKeys:  make(map[string]*clientcrypto.ChannelKey),
		peerSessions: make(map[string]*clientcrypto.PairwiseSession),
		peerIDs:      make(map[string]string),
	}

	if err := c.register(nickname, password); err != nil {
		return err
	}

	go c.readLoop()

	fmt.Println("connected as", nickname, "- commands: join <#channel> [password], msg <#channel> <text>, pm <nickname> <text>, send <nickname> <path>, quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			c.send(envelope.TypeDisconnect, nil)
			return nil
		}
		if err := c.handleCommand(line); err != nil {
			fmt.Println("error:", err)
		}
	}
	return nil
}

func (c *client) register(nickname, password string) error {
	env, err := envelope.New(envelope.TypeRegister, time.Now().Unix(), &envelope.RegisterPayload{
		Nickname:  nickname,
		PublicKey: c.identity.PublicKeyBase64(),
		Password:  password,
	})
	if err != nil {
		return err
	}
	if err := c.writer.WriteEnvelope(env); err != nil {
		return err
	}
	resp, err := c.reader.ReadEnvelope()
	if err != nil {
		return err
	}
	var ack envelope.AckPayload
	if err := resp.Decode(&ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("registration failed: %s", ack.Message)
	}
	c.userID = ack.UserID
	return nil
}

func (c *client) handleCommand(line string) error {
	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "join":
		if len(fields) < 2 {
			return fmt.Errorf("usage: join <#channel> [password]")
		}
		password := ""
		if len(fields) > 2 {
			password = fields[2]
		}
		return c.send(envelope.TypeJoinChannel, &envelope.JoinChannelRequest{Channel: fields[1], Password: password})
	case "msg":
		if len(fields) < 3 {
			return fmt.Errorf("usage: msg <#channel> <text>")
		}
		return c.sendChannelMessage(fields[1], fields[2])
	case "pm":
		if len(fields) < 3 {
			return fmt.Errorf("usage: pm <nickname> <text>")
		}
		return c.sendPrivateMessage(fields[1], fields[2])
	case "send":
		if len(fields) < 3 {
			return fmt.Errorf("usage: send <nickname> <path>")
		}
		return c.sendFile(fields[1], fields[2])
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func (c *client) sendChannelMessage(channel, text string) error {
	c.mu.Lock()
	key := c.channelKeys[channel]
	c.mu.Unlock()
	if key == nil {
		return fmt.Errorf("no channel key for %s; join it first", channel)
	}
	ciphertext, nonce, err := key.Encrypt([]byte(text))
	if err != nil {
		return err
	}
	return c.send(envelope.TypeChannelMessage, &envelope.ChannelMessagePayload{
		ToID: channel, EncryptedData: ciphertext, Nonce: nonce,
	})
}

func (c *client) sendPrivateMessage(nickname, text string) error {
	sess, err := c.pairwiseSessionFor(nickname)
	if err != nil {
		return err
	}
	ciphertext, nonce, err := sess.Encrypt([]byte(text))
	if err != nil {
		return err
	}
	c.mu.Lock()
	toID := c.peerIDs[nickname]
	c.mu.Unlock()
	return c.send(envelope.TypePrivateMessage, &envelope.PrivateMessagePayload{
		ToID: toID, EncryptedData: ciphertext, Nonce: nonce,
	})
}

func (c *client) sendFile(nickname, path string) error {
	sess, err := c.pairwiseSessionFor(nickname)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	transferID, err := transfer.NewTransferID()
	if err != nil {
		return err
	}
	s, err := transfer.NewSender(transferID, sess, path, data, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	toID := c.peerIDs[nickname]
	c.mu.Unlock()

	encMeta, nonce, err := s.StartPayload()
	if err != nil {
		return err
	}
	if err := c.send(envelope.TypeImageStart, &envelope.ImageStartPayload{
		TransferID: transferID, ToID: toID, TotalChunks: s.TotalChunks(),
		EncryptedMetadata: encMeta, Nonce: nonce,
	}); err != nil {
		return err
	}

	chunks, err := s.Chunks()
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := c.send(envelope.TypeImageChunk, &envelope.ImageChunkPayload{
			TransferID: transferID, ToID: toID, ChunkIndex: chunk.ChunkIndex,
			EncryptedDataB64: chunk.EncryptedDataB64, Nonce: chunk.NonceB64,
		}); err != nil {
			return err
		}
	}
	return c.send(envelope.TypeImageEnd, &envelope.ImageEndPayload{TransferID: transferID, ToID: toID})
}

// pairwiseSessionFor returns the cached session for nickname, requesting
// the peer's public key over the wire first if none exists yet.
func (c *client) pairwiseSessionFor(nickname string) (*clientcrypto.PairwiseSession, error) {
	c.mu.Lock()
	if sess, ok := c.peerSessions[nickname]; ok {
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	env, err := envelope.New(envelope.TypePublicKeyRequest, time.Now().Unix(), &envelope.PublicKeyRequestPayload{TargetNickname: nickname})
	if err != nil {
		return nil, err
	}
	if err := c.writer.WriteEnvelope(env); err != nil {
		return nil, err
	}
	resp, err := c.reader.ReadEnvelope()
	if err != nil {
		return nil, err
	}
	var keyResp envelope.PublicKeyResponsePayload
	if err := resp.Decode(&keyResp); err != nil {
		return nil, err
	}
	peerKey, err := clientcrypto.DecodePublicKey(keyResp.PublicKey)
	if err != nil {
		return nil, err
	}
	sess, err := clientcrypto.NewPairwiseSession(keyResp.UserID, peerKey, c.identity)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peerSessions[nickname] = sess
	c.peerIDs[nickname] = keyResp.UserID
	c.mu.Unlock()
	return sess, nil
}

func (c *client) send(typ envelope.Type, payload interface{}) error {
	env, err := envelope.New(typ, time.Now().Unix(), payload)
	if err != nil {
		return err
	}
	return c.writer.WriteEnvelope(env)
}

// readLoop prints every inbound envelope and records channel keys
// handed back by a successful join ack.
func (c *client) readLoop() {
	for {
		env, err := c.reader.ReadEnvelope()
		if err != nil {
			fmt.Println("disconnected:", err)
			return
		}
		switch env.Type {
		case envelope.TypeAck:
			var ack envelope.AckPayload
			env.Decode(&ack)
			if ack.Channel != "" && ack.ChannelKey != "" {
				key, err := clientcrypto.ChannelKeyFromBase64(ack.ChannelKey)
				if err == nil {
					c.mu.Lock()
					c.channelKeys[ack.Channel] = key
					c.mu.Unlock()
				}
			}
			fmt.Printf("ack: %+v\n", ack)
		case envelope.TypeChannelMessage:
			var m envelope.ChannelMessagePayload
			env.Decode(&m)
			c.mu.Lock()
			key := c.channelKeys[m.ToID]
			c.mu.Unlock()
			if key != nil && m.EncryptedData != "" {
				if plain, err := key.Decrypt(m.EncryptedData, m.Nonce); err == nil {
					fmt.Printf("[%s] %s: %s\n", m.ToID, m.FromID, string(plain))
					continue
				}
			}
			fmt.Printf("[%s] %s: %s\n", m.ToID, m.FromID, m.Text)
		case envelope.TypeError:
			var e envelope.ErrorPayload
			env.Decode(&e)
			fmt.Println("server error:", e.Error)
		default:
			fmt.Printf("%s: %s\n", env.Type, string(env.Payload))
		}
	}
}
