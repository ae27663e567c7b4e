/*
 * Copyright (c) 2014, Yawning Angel <yawning at torproject dot org>
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *
 *  * Redistributions of source code must retain the above copyright notice,
 *    this list of conditions and the following disclaimer.
 *
 *  * Redistributions in binary form must reproduce the above copyright notice,
 *    this list of conditions and the following disclaimer in the documentation
 *    and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

// railsbridge-tool decrypts Rails session cookies and verifies Rails signed
// tokens from the command line.
//
// Single value usage:
//   railsbridge-tool -secret <secret key base> -cookie <cookie value>
//   railsbridge-tool -secret <secret> -token <signed token> -purpose <purpose>
//
// Batch usage (one cookie per stdin line, shared key derivation):
//   railsbridge-tool -config railsbridge.yaml < cookies.txt
//
// The YAML config file carries secret-key-base, cookie-name, iterations and
// purpose; flags override it.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gitlab.com/yawning/railsbridge.git/common/replayfilter"
	"gitlab.com/yawning/railsbridge.git/keygen"
	"gitlab.com/yawning/railsbridge.git/marshal"
	"gitlab.com/yawning/railsbridge.git/session"
)

var unsafeLogging bool

// scrub hides token material from the log unless the operator opted out.
func scrub(s string) string {
	if unsafeLogging {
		return s
	}
	return "[scrubbed]"
}

func decryptOne(kg *keygen.KeyGenerator, cookie string) bool {
	h, err := session.NewEnvelopeWithKeyGenerator(cookie, kg).Decrypt()
	if err != nil {
		log.Printf("[WARN] decrypt: %s: %s", scrub(cookie), err)
		return false
	}
	fmt.Println(marshal.Format(h))
	return true
}

func verifyOne(sm *session.SignedMessage, token, purpose string) bool {
	msg, ok := sm.Verify(token, purpose)
	if !ok {
		log.Printf("[WARN] verify: %s: rejected", scrub(token))
		return false
	}
	fmt.Println(marshal.Format(msg))
	return true
}

func main() {
	configFile := flag.String("config", "", "YAML configuration file")
	secret := flag.String("secret", "", "Secret key base (overrides the config file)")
	cookie := flag.String("cookie", "", "Single encrypted session cookie to decrypt")
	token := flag.String("token", "", "Single signed token to verify")
	purpose := flag.String("purpose", "", "Expected signed token purpose")
	replayWindow := flag.Int64("replayWindow", 0, "Drop stdin cookies replayed within this many seconds (0 disables)")
	flag.BoolVar(&unsafeLogging, "unsafeLogging", false, "Disable the token scrubber")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("[ERROR] %s", err)
	}
	if *secret != "" {
		cfg.SecretKeyBase = *secret
	}
	if *purpose != "" {
		cfg.Purpose = *purpose
	}
	if cfg.SecretKeyBase == "" {
		log.Fatal("[ERROR] no secret key base, use -secret or the config file")
	}

	if *token != "" {
		sm := session.NewSignedMessage([]byte(cfg.SecretKeyBase))
		if !verifyOne(sm, *token, cfg.Purpose) {
			os.Exit(1)
		}
		return
	}

	kg := keygen.NewKeyGenerator(cfg.SecretKeyBase, cfg.Iterations, true)

	if *cookie != "" {
		if !decryptOne(kg, *cookie) {
			os.Exit(1)
		}
		return
	}

	// Batch mode: one cookie per line, sharing the derived key.
	var filter *replayfilter.ReplayFilter
	if *replayWindow > 0 {
		if filter, err = replayfilter.New(*replayWindow); err != nil {
			log.Fatalf("[ERROR] replay filter: %s", err)
		}
	}

	good, bad := 0, 0
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// Accept raw values and "name=value" pairs pasted from a browser.
		line = strings.TrimPrefix(line, cfg.CookieName+"=")
		if filter != nil && filter.TestAndSet(time.Now().Unix(), []byte(line)) {
			log.Printf("[WARN] replayed cookie: %s", scrub(line))
			bad++
			continue
		}
		if decryptOne(kg, line) {
			good++
		} else {
			bad++
		}
	}
	if err = scanner.Err(); err != nil {
		log.Fatalf("[ERROR] stdin: %s", err)
	}
	log.Printf("[INFO] processed %d cookies, %d rejected", good+bad, bad)
	if bad > 0 {
		os.Exit(1)
	}
}

/* vim :set ts=4 sw=4 sts=4 noet : */
