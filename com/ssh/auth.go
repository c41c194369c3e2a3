// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ssh

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"

	"go.chromium.org/kirk/errors"
	"go.chromium.org/kirk/internal/logging"
)

// keyDirFiles lists the private keys looked up in the key directory.
var keyDirFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa", "testing_rsa"}

// authMethods returns the authentication methods to try, in order: keys,
// ssh-agent, password and finally keyboard-interactive on a terminal.
func authMethods(ctx context.Context, o *Options) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	var signers []ssh.Signer
	if o.KeyFile != "" {
		s, _, err := readPrivateKey(o.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read private key %s", o.KeyFile)
		}
		signers = append(signers, s)
	}
	if o.KeyDir != "" {
		for _, fn := range keyDirFiles {
			p := filepath.Join(o.KeyDir, fn)
			if p == o.KeyFile {
				continue
			} else if _, err := os.Stat(p); os.IsNotExist(err) {
				continue
			}
			if s, rok, err := readPrivateKey(p); err == nil {
				signers = append(signers, s)
			} else if !rok {
				logging.Warningf(ctx, "Failed to read %v: %v", p, err)
			}
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if s := os.Getenv("SSH_AUTH_SOCK"); s != "" && o.UseAgent {
		if a, err := net.Dial("unix", s); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(a).Signers))
		} else {
			logging.Warningf(ctx, "Failed to connect to ssh-agent at %v: %v", s, err)
		}
	}

	if o.Password != "" {
		methods = append(methods,
			ssh.Password(o.Password),
			ssh.KeyboardInteractive(func(user, inst string, qs []string, es []bool) ([]string, error) {
				as := make([]string, len(qs))
				for i := range qs {
					as[i] = o.Password
				}
				return as, nil
			}))
	} else if stdin := int(os.Stdin.Fd()); term.IsTerminal(stdin) {
		prefix := "[" + o.Host + "] "
		methods = append(methods, ssh.KeyboardInteractive(
			func(user, inst string, qs []string, es []bool) ([]string, error) {
				return presentChallenges(stdin, prefix, qs)
			}))
	}

	if len(methods) == 0 {
		return nil, errors.New("no authentication method available")
	}
	return methods, nil
}

// readPrivateKey reads and decodes a passphraseless private SSH key from path.
// rok is true if the key data was read off disk, even if it could not be
// parsed.
func readPrivateKey(path string) (s ssh.Signer, rok bool, err error) {
	k, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	s, err = ssh.ParsePrivateKey(k)
	return s, true, err
}

// presentChallenges prints the challenges in qs and reads the answers from
// the terminal without echo.
func presentChallenges(stdin int, prefix string, qs []string) ([]string, error) {
	as := make([]string, len(qs))
	for i, q := range qs {
		os.Stdout.WriteString(prefix + q)
		b, err := term.ReadPassword(stdin)
		os.Stdout.WriteString("\n")
		if err != nil {
			return nil, err
		}
		as[i] = string(b)
	}
	return as, nil
}
