package signing

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ChainLog is the append-only hash-chained audit log: one JSON object
// per line, each carrying the hash of its predecessor. Appends are
// serialized; the tail hash is recovered from the last line on open so
// restarts extend the chain instead of forking it.
type ChainLog struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	tailHash string
	count    int64
}

// OpenChainLog opens (or creates) the log at path and recovers the
// chain tail.
func OpenChainLog(path string) (*ChainLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	c := &ChainLog{path: path, file: file}
	if err := c.recoverTail(); err != nil {
		file.Close()
		return nil, err
	}
	return c, nil
}

func (c *ChainLog) recoverTail() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			last = line
			c.count++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	if last == "" {
		return nil
	}
	var record struct {
		RecordHash string `json:"record_hash"`
	}
	if err := json.Unmarshal([]byte(last), &record); err != nil {
		return fmt.Errorf("audit log tail is not valid JSON: %w", err)
	}
	if record.RecordHash == "" {
		return errors.New("audit log tail has no record_hash")
	}
	c.tailHash = record.RecordHash
	return nil
}

// Append chains and writes one record. The stored line is the input
// record plus record_hash_algo, prev_record_hash (null at the chain
// head), and record_hash computed over the canonical JSON of the
// record with record_hash absent.
func (c *ChainLog) Append(record map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chained := make(map[string]any, len(record)+3)
	for k, v := range record {
		chained[k] = v
	}
	delete(chained, "record_hash")
	chained["record_hash_algo"] = "sha256"
	if c.tailHash == "" {
		chained["prev_record_hash"] = nil
	} else {
		chained["prev_record_hash"] = c.tailHash
	}

	canonical, err := Canonicalize(chained)
	if err != nil {
		return nil, err
	}
	recordHash := HashNamed(canonical)
	chained["record_hash"] = recordHash

	line, err := json.Marshal(chained)
	if err != nil {
		return nil, err
	}
	if _, err := c.file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return nil, fmt.Errorf("sync audit log: %w", err)
	}

	c.tailHash = recordHash
	c.count++
	return chained, nil
}

// Recent returns the last limit lines, oldest first. limit <= 0 means
// all lines.
func (c *ChainLog) Recent(limit int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// Len reports the number of records seen (recovered plus appended).
func (c *ChainLog) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Close flushes and closes the underlying file.
func (c *ChainLog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

// VerifyChainLines checks the hash-chain invariants over a sequence of
// JSONL records: each record_hash matches the canonical hash of the
// record without it, and each prev_record_hash matches its predecessor
// (null at the head).
func VerifyChainLines(lines []string) error {
	var prevHash string
	for i, line := range lines {
		record := make(map[string]any)
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		gotHash, _ := record["record_hash"].(string)
		if gotHash == "" {
			return fmt.Errorf("record %d: missing record_hash", i)
		}

		prev, hasPrev := record["prev_record_hash"]
		if i == 0 {
			if hasPrev && prev != nil {
				return fmt.Errorf("record 0: prev_record_hash is %v, want null", prev)
			}
		} else if prevStr, _ := prev.(string); prevStr != prevHash {
			return fmt.Errorf("record %d: prev_record_hash mismatch", i)
		}

		delete(record, "record_hash")
		canonical, err := Canonicalize(record)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if want := HashNamed(canonical); want != gotHash {
			return fmt.Errorf("record %d: record_hash mismatch", i)
		}
		prevHash = gotHash
	}
	return nil
}
