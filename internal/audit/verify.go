package audit

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/systmms/trustplane/internal/crypto"
)

// VerifyResult is the outcome of an integrity scan over a log file.
type VerifyResult struct {
	Path     string   `json:"path"`
	Total    int      `json:"total"`
	Valid    int      `json:"valid"`
	Invalid  int      `json:"invalid"`
	Tampered []string `json:"tampered,omitempty"`
}

var gzipMagic = []byte{0x1f, 0x8b}

// ReadFile loads every event from an audit log file. Handles plain,
// encrypted and gzip-compressed files; concatenated gzip members are read
// as one stream. Lines that are not JSON are decrypted with cipher first,
// so mixed files written before and after enabling encryption still parse.
func ReadFile(path string, cipher *crypto.Cipher) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var reader io.Reader = br

	head, err := br.Peek(2)
	if err == nil && bytes.Equal(head, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read compressed audit log: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var events []Event
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "{") {
			var ev Event
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				return nil, fmt.Errorf("malformed audit event at line %d: %w", lineNo, err)
			}
			events = append(events, ev)
			continue
		}

		if cipher == nil {
			return nil, fmt.Errorf("line %d is not JSON and no decryption key is available", lineNo)
		}
		plain, err := cipher.DecryptString(line)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt audit batch at line %d: %w", lineNo, err)
		}
		batch, err := decodeBatch(plain)
		if err != nil {
			return nil, fmt.Errorf("malformed encrypted batch at line %d: %w", lineNo, err)
		}
		events = append(events, batch...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return events, nil
}

func decodeBatch(ndjson string) ([]Event, error) {
	var events []Event
	dec := json.NewDecoder(strings.NewReader(ndjson))
	for {
		var ev Event
		if err := dec.Decode(&ev); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// VerifyFile recomputes every event checksum in a log file and reports
// which events fail. A failed checksum means the stored event no longer
// matches what was written.
func VerifyFile(path string, cipher *crypto.Cipher, key []byte) (VerifyResult, error) {
	events, err := ReadFile(path, cipher)
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Path: path, Total: len(events)}
	for i := range events {
		if VerifyChecksum(&events[i], key) {
			result.Valid++
			continue
		}
		result.Invalid++
		result.Tampered = append(result.Tampered,
			fmt.Sprintf("%s %s %s", events[i].Timestamp.Format(time.RFC3339), events[i].Action, events[i].Resource))
	}
	return result, nil
}
