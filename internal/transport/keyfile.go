// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// keyFile is the on-disk shape of a persisted KeyPair: base64 rather
// than raw bytes so the file stays readable with a text editor.
type keyFile struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

// LoadOrGenerateKeyPair reads role's persisted keypair from dir,
// generating and saving a fresh one on first run. role is a file stem
// such as "controller" or a worker's identity.
func LoadOrGenerateKeyPair(dir, role string) (KeyPair, error) {
	path := keyFilePath(dir, role)

	if kp, err := loadKeyPair(path); err == nil {
		return kp, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, err
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := saveKeyPair(path, kp); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

func keyFilePath(dir, role string) string {
	return filepath.Join(dir, role+".key")
}

func loadKeyPair(path string) (KeyPair, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return KeyPair{}, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return KeyPair{}, fmt.Errorf("transport: key file %s is a symlink, refusing to load", path)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return KeyPair{}, fmt.Errorf("transport: key file %s permissions too open (got %o, want 0600)", path, perm)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, err
	}

	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return KeyPair{}, fmt.Errorf("transport: parsing key file %s: %w", path, err)
	}

	pub, err := decodeKey(kf.Public)
	if err != nil {
		return KeyPair{}, fmt.Errorf("transport: decoding public key in %s: %w", path, err)
	}
	priv, err := decodeKey(kf.Private)
	if err != nil {
		return KeyPair{}, fmt.Errorf("transport: decoding private key in %s: %w", path, err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

func saveKeyPair(path string, kp KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("transport: creating key directory: %w", err)
	}

	kf := keyFile{
		Public:  base64.StdEncoding.EncodeToString(kp.Public[:]),
		Private: base64.StdEncoding.EncodeToString(kp.Private[:]),
	}
	raw, err := json.Marshal(kf)
	if err != nil {
		return fmt.Errorf("transport: marshaling key file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("transport: writing key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("transport: renaming key file into place: %w", err)
	}
	return nil
}

func decodeKey(encoded string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
