// Command nodesim is a minimal protocol-level node driver for
// smoke-testing a running broker. Its "processor" is a trivial built-in
// line-reverser rather than a real subprocess invocation, so the broker
// can be exercised without any external processor program. It is a test
// fixture, not a production worker.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/user32121/DistributedComputing/internal/protocol"
)

func main() {
	brokerAddr := flag.String("broker", "localhost:8111", "broker address, host:port")
	backoff := flag.Duration("backoff", 5*time.Second, "back-off between GETTASK attempts when no work is available")
	cachedAlgorithmID := flag.String("cached-algorithm-id", "", "algorithm id this node simulator pretends to already have cached")

	flag.Parse()

	var cached uuid.UUID
	hasCached := false
	if *cachedAlgorithmID != "" {
		id, err := uuid.Parse(*cachedAlgorithmID)
		if err != nil {
			log.Fatalf("parse cached algorithm id: %v", err)
		}
		cached = id
		hasCached = true
	}

	conn, err := net.Dial("tcp", *brokerAddr)
	if err != nil {
		log.Fatalf("dial broker: %v", err)
	}
	defer conn.Close()
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	c := protocol.NewConn(conn, 10*time.Second)

	if err := handshake(c); err != nil {
		log.Fatalf("handshake: %v", err)
	}
	log.Printf("connected to broker %s as node", *brokerAddr)

	for {
		taskID, algorithmID, ok, err := getTask(c, cached, hasCached)
		if err != nil {
			log.Fatalf("get task: %v", err)
		}
		if !ok {
			time.Sleep(*backoff)
			continue
		}
		if algorithmID != nil {
			log.Printf("assigned task %s (algorithm %s)", taskID, *algorithmID)
		} else {
			log.Printf("assigned task %s", taskID)
		}

		for {
			subtaskID, input, ok, err := getSubtask(c, taskID)
			if err != nil {
				log.Fatalf("get subtask: %v", err)
			}
			if !ok {
				break
			}
			output := reverseLines(input)
			if err := submitOutput(c, subtaskID, output); err != nil {
				log.Fatalf("submit output: %v", err)
			}
			log.Printf("completed subtask %s", subtaskID)
		}
	}
}

func handshake(c *protocol.Conn) error {
	if err := c.WriteFrame(protocol.Handshake, protocol.HandshakeMagic); err != nil {
		return err
	}
	if _, err := c.ReadFrame(); err != nil {
		return err
	}
	return c.WriteCode(protocol.Response, uint32(protocol.RespNode))
}

func getTask(c *protocol.Conn, cached uuid.UUID, hasCached bool) (uuid.UUID, *uuid.UUID, bool, error) {
	if err := c.WriteCode(protocol.Command, uint32(protocol.GetTask)); err != nil {
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
	if protocol.ResponseCode(code) == protocol.RespNoNewTasks {
		return uuid.UUID{}, nil, false, nil
	}
	if protocol.ResponseCode(code) != protocol.RespOK {
		return uuid.UUID{}, nil, false, errUnexpected(code)
	}

	taskFrame, err := c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	taskID, err := uuid.FromBytes(taskFrame.Payload)
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}

	frame, err = c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	code, err = protocol.DecodeCode(frame.Payload)
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}

	var algorithmID *uuid.UUID
	switch protocol.ResponseCode(code) {
	case protocol.RespSendAUUID:
		idFrame, err := c.ReadFrame()
		if err != nil {
			return uuid.UUID{}, nil, false, err
		}
		id, err := uuid.FromBytes(idFrame.Payload)
		if err != nil {
			return uuid.UUID{}, nil, false, err
		}
		algorithmID = &id
	case protocol.RespNoAUUID:
		// no algorithm id for this task
	default:
		return uuid.UUID{}, nil, false, errUnexpected(code)
	}

	haveFile := algorithmID == nil || (hasCached && *algorithmID == cached)
	if haveFile {
		if err := c.WriteCode(protocol.Response, uint32(protocol.RespOK)); err != nil {
			return uuid.UUID{}, nil, false, err
		}
	} else {
		if err := c.WriteCode(protocol.Response, uint32(protocol.RespDoesNotHaveFile)); err != nil {
			return uuid.UUID{}, nil, false, err
		}
		if _, err := c.ReadFrame(); err != nil { // processor source, discarded by the simulator
			return uuid.UUID{}, nil, false, err
		}
	}

	return taskID, algorithmID, true, nil
}

func getSubtask(c *protocol.Conn, taskID uuid.UUID) (uuid.UUID, []byte, bool, error) {
	if err := c.WriteCode(protocol.Command, uint32(protocol.GetSubtask)); err != nil {
		return uuid.UUID{}, nil, false, err
	}
	if err := c.WriteFrame(protocol.Data, taskID[:]); err != nil {
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
	if protocol.ResponseCode(code) == protocol.RespNoNewSubtasks {
		return uuid.UUID{}, nil, false, nil
	}
	if protocol.ResponseCode(code) != protocol.RespOK {
		return uuid.UUID{}, nil, false, errUnexpected(code)
	}

	idFrame, err := c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	subtaskID, err := uuid.FromBytes(idFrame.Payload)
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	inputFrame, err := c.ReadFrame()
	if err != nil {
		return uuid.UUID{}, nil, false, err
	}
	return subtaskID, inputFrame.Payload, true, nil
}

func submitOutput(c *protocol.Conn, subtaskID uuid.UUID, output []byte) error {
	if err := c.WriteCode(protocol.Command, uint32(protocol.SubmitSubtaskOutput)); err != nil {
		return err
	}
	if err := c.WriteFrame(protocol.Data, subtaskID[:]); err != nil {
		return err
	}
	return c.WriteFrame(protocol.Data, output)
}

// reverseLines reverses the order of newline-separated lines in the
// input.
func reverseLines(input []byte) []byte {
	lines := splitLines(input)
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out = append(out, '\n')
		out = append(out, l...)
	}
	return out
}

func splitLines(input []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range input {
		if b == '\n' {
			lines = append(lines, input[start:i])
			start = i + 1
		}
	}
	lines = append(lines, input[start:])
	return lines
}

func errUnexpected(code uint32) error {
	return fmt.Errorf("unexpected response %v", protocol.ResponseCode(code))
}
