package main

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"coopledger/loan"
	"coopledger/report"
)

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expiresAt"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

// borrowerRequest carries the member fields shared by contract creation and
// the borrower edit.
type borrowerRequest struct {
	Title             string `json:"title"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Address           string `json:"address"`
	BirthDate         string `json:"birthDate"`
	PhoneNumber       string `json:"phoneNumber"`
	IDCardNumber      string `json:"idCardNumber"`
	Guarantor1Name    string `json:"guarantor1Name"`
	Guarantor2Name    string `json:"guarantor2Name"`
	Committee1Name    string `json:"committee1Name"`
	Committee2Name    string `json:"committee2Name"`
	BankAccountNumber string `json:"bankAccountNumber"`
	BankName          string `json:"bankName"`
}

func (r borrowerRequest) toBorrower() (loan.Borrower, error) {
	birth, err := time.Parse(dateLayout, r.BirthDate)
	if err != nil {
		return loan.Borrower{}, errors.New("birthDate must be YYYY-MM-DD")
	}
	return loan.Borrower{
		Title:             r.Title,
		FirstName:         r.FirstName,
		LastName:          r.LastName,
		Address:           r.Address,
		BirthDate:         birth,
		Phone:             r.PhoneNumber,
		NationalID:        r.IDCardNumber,
		Guarantor1Name:    r.Guarantor1Name,
		Guarantor2Name:    r.Guarantor2Name,
		Committee1Name:    r.Committee1Name,
		Committee2Name:    r.Committee2Name,
		BankAccountNumber: r.BankAccountNumber,
		BankName:          r.BankName,
	}, nil
}

type createContractRequest struct {
	borrowerRequest
	LoanAmount       decimal.Decimal  `json:"loanAmount"`
	InterestRate     *decimal.Decimal `json:"interestRate"`
	InstallmentCount int              `json:"installmentCount"`
}

func (r createContractRequest) toParams() (loan.CreateContractParams, error) {
	borrower, err := r.toBorrower()
	if err != nil {
		return loan.CreateContractParams{}, err
	}
	return loan.CreateContractParams{
		Borrower:         borrower,
		Principal:        r.LoanAmount,
		InterestRate:     r.InterestRate,
		InstallmentCount: r.InstallmentCount,
	}, nil
}

type contractResponse struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Address           string `json:"address"`
	BirthDate         string `json:"birthDate"`
	PhoneNumber       string `json:"phoneNumber"`
	IDCardNumber      string `json:"idCardNumber"`
	Guarantor1Name    string `json:"guarantor1Name,omitempty"`
	Guarantor2Name    string `json:"guarantor2Name,omitempty"`
	Committee1Name    string `json:"committee1Name,omitempty"`
	Committee2Name    string `json:"committee2Name,omitempty"`
	BankAccountNumber string `json:"bankAccountNumber,omitempty"`
	BankName          string `json:"bankName,omitempty"`
	LoanAmount        string `json:"loanAmount"`
	InterestRate      string `json:"interestRate"`
	InstallmentCount  int    `json:"installmentCount"`
	TotalAmountDue    string `json:"totalAmountDue"`
	TotalPaid         string `json:"totalPaid"`
	RemainingBalance  string `json:"remainingBalance"`
	Status            string `json:"status"`
	CreatedAt         string `json:"createdAt"`
}

func toContractResponse(c loan.Contract) contractResponse {
	b := c.Borrower
	return contractResponse{
		ID:                c.ID,
		Title:             b.Title,
		FirstName:         b.FirstName,
		LastName:          b.LastName,
		Address:           b.Address,
		BirthDate:         b.BirthDate.Format(dateLayout),
		PhoneNumber:       b.Phone,
		IDCardNumber:      b.NationalID,
		Guarantor1Name:    b.Guarantor1Name,
		Guarantor2Name:    b.Guarantor2Name,
		Committee1Name:    b.Committee1Name,
		Committee2Name:    b.Committee2Name,
		BankAccountNumber: b.BankAccountNumber,
		BankName:          b.BankName,
		LoanAmount:        money(c.Principal),
		InterestRate:      c.InterestRate.String(),
		InstallmentCount:  c.InstallmentCount,
		TotalAmountDue:    money(c.TotalAmountDue),
		TotalPaid:         money(c.TotalPaid),
		RemainingBalance:  money(c.RemainingBalance()),
		Status:            string(c.Status),
		CreatedAt:         c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type entryResponse struct {
	ID      string `json:"id"`
	Seq     int    `json:"seq"`
	DueDate string `json:"dueDate"`
	Amount  string `json:"amount"`
	Status  string `json:"status"`
}

func toEntryResponses(entries []loan.InstallmentEntry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:      e.ID,
			Seq:     e.Seq,
			DueDate: e.DueDate.Format(dateLayout),
			Amount:  money(e.Amount),
			Status:  string(e.Status),
		})
	}
	return out
}

type submitRepaymentRequest struct {
	AmountPaid  decimal.Decimal `json:"amountPaid"`
	PaymentDate string          `json:"paymentDate"`
	Method      string          `json:"method"`
}

type repaymentResponse struct {
	ID            string `json:"id"`
	ContractID    string `json:"contractId"`
	PaymentDate   string `json:"paymentDate"`
	AmountPaid    string `json:"amountPaid"`
	AppliedAmount string `json:"appliedAmount"`
	Method        string `json:"method"`
	CreatedAt     string `json:"createdAt"`
}

func toRepaymentResponse(r loan.Repayment) repaymentResponse {
	return repaymentResponse{
		ID:            r.ID,
		ContractID:    r.ContractID,
		PaymentDate:   r.PaymentDate.Format(dateLayout),
		AmountPaid:    money(r.AmountPaid),
		AppliedAmount: money(r.AppliedAmount),
		Method:        r.Method,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type submitRepaymentResponse struct {
	Repayment        repaymentResponse `json:"repayment"`
	AppliedAmount    string            `json:"appliedAmount"`
	UnappliedAmount  string            `json:"unappliedAmount"`
	TotalPaid        string            `json:"totalPaid"`
	RemainingBalance string            `json:"remainingBalance"`
	ContractStatus   string            `json:"contractStatus"`
	Changed          []entryResponse   `json:"changed"`
}

type monthlyResponse struct {
	Month  string `json:"month"`
	Amount string `json:"amount"`
}

type portfolioResponse struct {
	AsOf               string            `json:"asOf"`
	ActiveContracts    int               `json:"activeContracts"`
	ActivePrincipal    string            `json:"activePrincipal"`
	OutstandingBalance string            `json:"outstandingBalance"`
	Scheduled          []monthlyResponse `json:"scheduled"`
	Repaid             []monthlyResponse `json:"repaid"`
}

func toPortfolioResponse(p report.Portfolio) portfolioResponse {
	conv := func(rows []report.MonthlyAmount) []monthlyResponse {
		out := make([]monthlyResponse, 0, len(rows))
		for _, m := range rows {
			out = append(out, monthlyResponse{Month: m.Month, Amount: money(m.Amount)})
		}
		return out
	}
	return portfolioResponse{
		AsOf:               p.AsOf.Format(dateLayout),
		ActiveContracts:    p.ActiveContracts,
		ActivePrincipal:    money(p.ActivePrincipal),
		OutstandingBalance: money(p.OutstandingBalance),
		Scheduled:          conv(p.Scheduled),
		Repaid:             conv(p.Repaid),
	}
}
