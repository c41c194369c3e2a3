// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"go.chromium.org/kirk/errors"
)

// GenerateKeys generates SSH user and host keys of size bits.
// This can be time-consuming, so a test file may want to only call this once
// and reuse the results.
func GenerateKeys(bits int) (userKey, hostKey *rsa.PrivateKey, err error) {
	if userKey, err = rsa.GenerateKey(rand.Reader, bits); err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate user RSA key")
	}
	if hostKey, err = rsa.GenerateKey(rand.Reader, bits); err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate host RSA key")
	}
	return userKey, hostKey, nil
}

// WriteKey writes key in PEM format to dir/name with mode 0600 and returns
// the file path.
func WriteKey(dir, name string, key *rsa.PrivateKey) (string, error) {
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0600); err != nil {
		return "", err
	}
	return p, nil
}
