package queue

import (
	"encoding/json"
	"fmt"
)

func encodeDeadLetter(d *DeadLetter) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode dead letter: %w", err)
	}

	return string(data), nil
}

func decodeDeadLetter(data string) (*DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, err
	}

	return &d, nil
}
