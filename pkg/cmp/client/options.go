/*
Copyright 2021 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"fmt"
	"time"

	"github.com/cert-manager/cmp/pkg/cmp"
)

// Option is the integer key of the option table. The typed fields on
// Options are the preferred configuration surface; this table exists as a
// thin facade for callers keyed to the classic integer option interface.
type Option int

const (
	OptLogVerbosity Option = iota
	OptMsgTimeout          // seconds
	OptTotalTimeout        // seconds
	OptValidityDays
	OptSubjectAltNameNoDefault
	OptSubjectAltNameCritical
	OptPoliciesCritical
	OptPopoMethod
	OptDigestAlgNid
	OptOWFAlgNid
	OptMACAlgNid
	OptRevocationReason
	OptImplicitConfirm
	OptDisableConfirm
	OptUnprotectedSend
	OptUnprotectedErrors
	OptIgnoreKeyUsage
	OptPermitTAInExtraCertsForIR
)

// algForNid maps the classic digest NIDs onto algorithm names. Only the
// SHA-2 family is supported.
func algForNid(nid int) (string, error) {
	switch nid {
	case 672:
		return cmp.AlgSHA256, nil
	case 673:
		return cmp.AlgSHA384, nil
	case 674:
		return cmp.AlgSHA512, nil
	}
	return "", fmt.Errorf("%w: unsupported digest nid %d", cmp.ErrInvalidArgs, nid)
}

func nidForAlg(alg string) int {
	switch cmp.OWFForAlg(alg) {
	case cmp.AlgSHA384:
		return 673
	case cmp.AlgSHA512:
		return 674
	default:
		return 672
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetOption sets a single behavior option by integer key.
func (c *Context) SetOption(opt Option, value int) error {
	switch opt {
	case OptLogVerbosity:
		c.opts.LogVerbosity = value
	case OptMsgTimeout:
		c.opts.MsgTimeout = time.Duration(value) * time.Second
	case OptTotalTimeout:
		c.opts.TotalTimeout = time.Duration(value) * time.Second
	case OptValidityDays:
		c.opts.ValidityDays = value
	case OptSubjectAltNameNoDefault:
		c.opts.SubjectAltNameNoDefault = value != 0
	case OptSubjectAltNameCritical:
		c.opts.SubjectAltNameCritical = value != 0
	case OptPoliciesCritical:
		c.opts.PoliciesCritical = value != 0
	case OptPopoMethod:
		if value < int(cmp.POPONone) || value > int(cmp.POPORAVerified) {
			return fmt.Errorf("%w: popo method %d", cmp.ErrInvalidArgs, value)
		}
		c.opts.PopoMethod = cmp.POPOMethod(value)
	case OptDigestAlgNid:
		alg, err := algForNid(value)
		if err != nil {
			return err
		}
		c.opts.DigestAlg = alg
	case OptOWFAlgNid:
		alg, err := algForNid(value)
		if err != nil {
			return err
		}
		c.opts.OWFAlg = alg
	case OptMACAlgNid:
		alg, err := algForNid(value)
		if err != nil {
			return err
		}
		c.opts.MACAlg = "HMAC-" + alg
		c.policy.MACAlg = c.opts.MACAlg
	case OptRevocationReason:
		c.opts.RevocationReason = value
	case OptImplicitConfirm:
		c.opts.ImplicitConfirm = value != 0
	case OptDisableConfirm:
		c.opts.DisableConfirm = value != 0
	case OptUnprotectedSend:
		c.opts.UnprotectedSend = value != 0
		c.policy.UnprotectedSend = c.opts.UnprotectedSend
	case OptUnprotectedErrors:
		c.opts.UnprotectedErrors = value != 0
		c.policy.UnprotectedErrors = c.opts.UnprotectedErrors
	case OptIgnoreKeyUsage:
		c.opts.IgnoreKeyUsage = value != 0
	case OptPermitTAInExtraCertsForIR:
		c.opts.PermitTAInExtraCertsForIR = value != 0
		c.policy.PermitTAInExtraCertsForIR = c.opts.PermitTAInExtraCertsForIR
	default:
		return fmt.Errorf("%w: unknown option %d", cmp.ErrInvalidArgs, int(opt))
	}
	return nil
}

// GetOption reads a single behavior option by integer key.
func (c *Context) GetOption(opt Option) (int, error) {
	switch opt {
	case OptLogVerbosity:
		return c.opts.LogVerbosity, nil
	case OptMsgTimeout:
		return int(c.opts.MsgTimeout / time.Second), nil
	case OptTotalTimeout:
		return int(c.opts.TotalTimeout / time.Second), nil
	case OptValidityDays:
		return c.opts.ValidityDays, nil
	case OptSubjectAltNameNoDefault:
		return boolToInt(c.opts.SubjectAltNameNoDefault), nil
	case OptSubjectAltNameCritical:
		return boolToInt(c.opts.SubjectAltNameCritical), nil
	case OptPoliciesCritical:
		return boolToInt(c.opts.PoliciesCritical), nil
	case OptPopoMethod:
		return int(c.opts.PopoMethod), nil
	case OptDigestAlgNid:
		return nidForAlg(c.opts.DigestAlg), nil
	case OptOWFAlgNid:
		return nidForAlg(c.opts.OWFAlg), nil
	case OptMACAlgNid:
		return nidForAlg(c.opts.MACAlg), nil
	case OptRevocationReason:
		return c.opts.RevocationReason, nil
	case OptImplicitConfirm:
		return boolToInt(c.opts.ImplicitConfirm), nil
	case OptDisableConfirm:
		return boolToInt(c.opts.DisableConfirm), nil
	case OptUnprotectedSend:
		return boolToInt(c.opts.UnprotectedSend), nil
	case OptUnprotectedErrors:
		return boolToInt(c.opts.UnprotectedErrors), nil
	case OptIgnoreKeyUsage:
		return boolToInt(c.opts.IgnoreKeyUsage), nil
	case OptPermitTAInExtraCertsForIR:
		return boolToInt(c.opts.PermitTAInExtraCertsForIR), nil
	default:
		return 0, fmt.Errorf("%w: unknown option %d", cmp.ErrInvalidArgs, int(opt))
	}
}
