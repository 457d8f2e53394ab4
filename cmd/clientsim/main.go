// Command clientsim is a minimal protocol-level client driver for
// smoke-testing a running broker: it uploads a processor, submits a
// batch of inputs, and polls for results. No checkpoint files, no real
// processor execution; it exists only to drive the broker's wire
// protocol end-to-end.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user32121/DistributedComputing/internal/protocol"
)

func main() {
	brokerAddr := flag.String("broker", "localhost:8111", "broker address, host:port")
	processorFile := flag.String("processor", "", "path to a processor source file to upload; a trivial placeholder is used if empty")
	inputsFile := flag.String("inputs", "", "path to a file of newline-separated subtask inputs; read from stdin if empty")
	algorithmID := flag.String("algorithm-id", "", "optional algorithm id (UUID string) to advertise for cached execution")
	pollInterval := flag.Duration("poll-interval", 500*time.Millisecond, "interval between ISSUBTASKDONE polls")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout waiting for results")

	flag.Parse()

	conn, err := net.Dial("tcp", *brokerAddr)
	if err != nil {
		log.Fatalf("dial broker: %v", err)
	}
	defer conn.Close()
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	c := protocol.NewConn(conn, 10*time.Second)

	if err := handshake(c, protocol.RespClient); err != nil {
		log.Fatalf("handshake: %v", err)
	}
	log.Printf("connected to broker %s as client", *brokerAddr)

	source := []byte("#!/usr/bin/env clientsim-placeholder\n")
	if *processorFile != "" {
		data, err := os.ReadFile(*processorFile)
		if err != nil {
			log.Fatalf("read processor file: %v", err)
		}
		source = data
	}
	if err := c.WriteFrame(protocol.Data, source); err != nil {
		log.Fatalf("upload processor: %v", err)
	}

	if *algorithmID != "" {
		id, err := uuid.Parse(*algorithmID)
		if err != nil {
			log.Fatalf("parse algorithm id: %v", err)
		}
		if err := c.WriteCode(protocol.Response, uint32(protocol.RespSendAUUID)); err != nil {
			log.Fatalf("send algorithm-id marker: %v", err)
		}
		if err := c.WriteFrame(protocol.Data, id[:]); err != nil {
			log.Fatalf("send algorithm id: %v", err)
		}
	}
	if err := c.WriteCode(protocol.Response, uint32(protocol.RespDone)); err != nil {
		log.Fatalf("finish upload: %v", err)
	}

	inputs, err := readInputs(*inputsFile)
	if err != nil {
		log.Fatalf("read inputs: %v", err)
	}

	submitted := make([]uuid.UUID, 0, len(inputs))
	for _, in := range inputs {
		id, err := submitSubtask(c, []byte(in))
		if err != nil {
			log.Fatalf("submit subtask: %v", err)
		}
		submitted = append(submitted, id)
		log.Printf("submitted subtask %s: %q", id, in)
	}

	results := make(map[uuid.UUID]string, len(submitted))
	deadline := time.Now().Add(*timeout)
	for len(results) < len(submitted) && time.Now().Before(deadline) {
		id, output, ok, err := pollResult(c)
		if err != nil {
			log.Fatalf("poll result: %v", err)
		}
		if ok {
			results[id] = string(output)
			log.Printf("result %s: %q", id, output)
			continue
		}
		time.Sleep(*pollInterval)
	}

	if len(results) < len(submitted) {
		log.Fatalf("timed out waiting for results: got %d of %d", len(results), len(submitted))
	}

	if err := c.WriteCode(protocol.Command, uint32(protocol.Exit)); err != nil {
		log.Printf("exit: %v", err)
	}
	fmt.Printf("completed %d subtasks\n", len(results))
}

func handshake(c *protocol.Conn, role protocol.ResponseCode) error {
	if err := c.WriteFrame(protocol.Handshake, protocol.HandshakeMagic); err != nil {
		return err
	}
	frame, err := c.ReadFrame()
	if err != nil {
		return err
	}
	if frame.Type != protocol.Response {
		return fmt.Errorf("expected RESPONSE, got %v", frame.Type)
	}
	return c.WriteCode(protocol.Response, uint32(role))
}

func submitSubtask(c *protocol.Conn, input []byte) (uuid.UUID, error) {
	if err := c.WriteCode(protocol.Command, uint32(protocol.SubmitSubtask)); err != nil {
		return uuid.UUID{}, err
	}
	frame, err := c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, err
	}
	code, err := protocol.DecodeCode(frame.Payload)
	if err != nil {
		return uuid.UUID{}, err
	}
	if protocol.ResponseCode(code) == protocol.RespNotEnoughSpace {
		return uuid.UUID{}, fmt.Errorf("broker reported NOTENOUGHSPACE")
	}
	if protocol.ResponseCode(code) != protocol.RespOK {
		return uuid.UUID{}, fmt.Errorf("unexpected response %v", protocol.ResponseCode(code))
	}
	if err := c.WriteFrame(protocol.Data, input); err != nil {
		return uuid.UUID{}, err
	}
	frame, err = c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(frame.Payload)
}

func pollResult(c *protocol.Conn) (uuid.UUID, []byte, bool, error) {
	if err := c.WriteCode(protocol.Command, uint32(protocol.IsSubtaskDone)); err != nil {
		return uuid.UUID{}, nil, false, err
	}
	frame, err := c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	code, err := protocol.DecodeCode(frame.Payload)
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	if protocol.ResponseCode(code) == protocol.RespNoNewResults {
		return uuid.UUID{}, nil, false, nil
	}
	if protocol.ResponseCode(code) != protocol.RespOK {
		return uuid.UUID{}, nil, false, fmt.Errorf("unexpected response %v", protocol.ResponseCode(code))
	}
	idFrame, err := c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	id, err := uuid.FromBytes(idFrame.Payload)
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	outFrame, err := c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	return id, outFrame.Payload, true, nil
}

func readInputs(path string) ([]string, error) {
	var r *bufio.Scanner
	if path == "" {
		r = bufio.NewScanner(os.Stdin)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = bufio.NewScanner(f)
	}
	var lines []string
	for r.Scan() {
		line := strings.TrimRight(r.Text(), "\r\n")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
