package api

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// parseHtpasswd reads an htpasswd file into a username -> bcrypt hash map,
// skipping comments, blank lines, and non-bcrypt entries.
func parseHtpasswd(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open htpasswd file: %w", err)
	}
	defer file.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			log.Printf("api: invalid htpasswd entry on line %d: missing colon", lineNum)
			continue
		}

		username, hash := parts[0], parts[1]
		if !strings.HasPrefix(hash, "$2") {
			log.Printf("api: unsupported hash format for user %q on line %d, only bcrypt is supported", username, lineNum)
			continue
		}
		users[username] = hash
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading htpasswd file: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("no valid bcrypt entries found in htpasswd file")
	}
	return users, nil
}

func verifyPassword(plaintext, hashed string) bool {
	if !strings.HasPrefix(hashed, "$2") {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext)) == nil
}
