package loanpool

import "fmt"

var (
	proposalCountKey = []byte("loanpool/proposals/count")
	proposalLiveKey  = []byte("loanpool/proposals/live")
	loanCountKey     = []byte("loanpool/loans/count")
	loanRecordsKey   = []byte("loanpool/loans/records")
	ongoingLoansKey  = []byte("loanpool/loans/ongoing")
)

func proposalKey(index ProposalIndex) []byte {
	return []byte(fmt.Sprintf("loanpool/proposals/%d", index))
}

func loanKey(index LoanIndex) []byte {
	return []byte(fmt.Sprintf("loanpool/loans/%d", index))
}
