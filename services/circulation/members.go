package circulation

import (
	"context"

	"github.com/librarysingkat/circulation/internal/domain/library"
)

// Members lists members by member code.
func (s *Service) Members(ctx context.Context) ([]library.Member, error) {
	return s.repo.FetchMembers(ctx)
}

// MemberCurrentLoans lists the books a member has out.
func (s *Service) MemberCurrentLoans(ctx context.Context, memberID string) ([]library.MemberCurrentLoanRow, error) {
	return s.repo.FetchMemberCurrentLoans(ctx, memberID)
}

// QuickCreateMember registers a member by name with a generated member code.
func (s *Service) QuickCreateMember(ctx context.Context, name string) (*library.Member, error) {
	member, err := s.repo.CreateMemberQuick(ctx, name)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"member_id":   member.ID,
		"member_code": member.MemberCode,
	}).Info("Member registered")
	return member, nil
}

// FindMember returns the member whose name matches case-insensitively, or nil.
func (s *Service) FindMember(ctx context.Context, name string) (*library.Member, error) {
	return s.repo.FindMemberByName(ctx, name)
}
