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

package broker

import "time"

// Config holds every broker-tunable setting and its default.
type Config struct {
	DataDir string

	Host           string
	Port           int
	ServerName     string
	Description    string

	EnableAuthentication  bool
	RequireAuthentication bool
	EnableIPWhitelist     bool

	ConnectionTimeout     time.Duration
	ReadTimeout           time.Duration
	MaxMessageSize        int
	MaxConnections        int
	MaxQueuedMessagesPerUser int

	BanSweepEvery    time.Duration
	SummaryEvery     time.Duration
	QueueFlushEvery  time.Duration
	IdleCleanupEvery time.Duration
	IdleThreshold    time.Duration
}

// DefaultConfig returns the stock configuration, rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:    dataDir,
		Host:       "0.0.0.0",
		Port:       6667,
		ServerName: "justirc",

		ConnectionTimeout:        300 * time.Second,
		ReadTimeout:              60 * time.Second,
		MaxMessageSize:           65536,
		MaxConnections:           1000,
		MaxQueuedMessagesPerUser: 1000,

		BanSweepEvery:    60 * time.Second,
		SummaryEvery:     300 * time.Second,
		QueueFlushEvery:  60 * time.Second,
		IdleCleanupEvery: 60 * time.Second,
		IdleThreshold:    300 * time.Second,
	}
}
