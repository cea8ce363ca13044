package core

import (
	"context"
	"strings"

	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

func validAccount(account string) error {
	if strings.TrimSpace(account) == "" {
		return domain.Invalid("account", "account required")
	}
	return nil
}

// GrantRole grants role to account on the ledger.
func (s *Service) GrantRole(ctx context.Context, role domain.Role, account string) (ledger.Receipt, error) {
	var r ledger.Receipt
	err := s.run(ctx, OpGrantRole, string(role)+":"+account, func(ctx context.Context) (err error) {
		if err := validAccount(account); err != nil {
			return err
		}
		r, err = s.ledger.GrantRole(ctx, role, account)
		return err
	})
	return r, err
}

// RevokeRole revokes role from account on the ledger.
func (s *Service) RevokeRole(ctx context.Context, role domain.Role, account string) (ledger.Receipt, error) {
	var r ledger.Receipt
	err := s.run(ctx, OpRevokeRole, string(role)+":"+account, func(ctx context.Context) (err error) {
		if err := validAccount(account); err != nil {
			return err
		}
		r, err = s.ledger.RevokeRole(ctx, role, account)
		return err
	})
	return r, err
}

// HasRole reports whether account holds role.
func (s *Service) HasRole(ctx context.Context, role domain.Role, account string) (bool, error) {
	var ok bool
	err := s.run(ctx, OpHasRole, string(role)+":"+account, func(ctx context.Context) (err error) {
		if err := validAccount(account); err != nil {
			return err
		}
		ok, err = s.ledger.HasRole(ctx, role, account)
		return err
	})
	return ok, err
}

// EnsureSignerRoles grants the signing account every role it lacks and
// returns the roles granted.
func (s *Service) EnsureSignerRoles(ctx context.Context) ([]domain.Role, error) {
	account := s.ledger.SignerAccount()
	var granted []domain.Role
	err := s.run(ctx, OpEnsureSignerRoles, account, func(ctx context.Context) error {
		for _, role := range domain.Roles() {
			has, err := s.ledger.HasRole(ctx, role, account)
			if err != nil {
				return err
			}
			if has {
				continue
			}
			if _, err := s.ledger.GrantRole(ctx, role, account); err != nil {
				return err
			}
			s.logger.Info("granted signer role", "role", role, "account", account)
			granted = append(granted, role)
		}
		return nil
	})
	return granted, err
}
