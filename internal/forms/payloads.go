package forms

import "github.com/noah-isme/service-portal-api/internal/models"

// Payload is implemented by every form-specific payload struct. Callers switch on the
// concrete type, never on the JSON shape.
type Payload interface {
	FormType() models.FormType
}

// Director is a proposed director of a company being incorporated.
type Director struct {
	Name  string `json:"name" validate:"required,max=120"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=20"`
	DIN   string `json:"din,omitempty" validate:"omitempty,len=8,numeric"`
}

// CompanyForm requests incorporation of a new company.
type CompanyForm struct {
	CompanyName       string     `json:"companyName" validate:"required,max=200"`
	CompanyType       string     `json:"companyType" validate:"required,oneof='Private Limited' 'Public Limited' LLP OPC Partnership 'Sole Proprietorship'"`
	RegisteredAddress string     `json:"registeredAddress" validate:"required,max=500"`
	AuthorizedCapital *float64   `json:"authorizedCapital,omitempty" validate:"omitempty,gte=0"`
	Directors         []Director `json:"directors" validate:"required,min=1,dive"`
}

// TaxForm requests a tax filing.
type TaxForm struct {
	PAN            string   `json:"pan" validate:"required,len=10,alphanum"`
	AssessmentYear string   `json:"assessmentYear" validate:"required,max=9"`
	TaxType        string   `json:"taxType" validate:"required,oneof=GST 'Income Tax' TDS 'Professional Tax'"`
	AnnualTurnover *float64 `json:"annualTurnover,omitempty" validate:"omitempty,gte=0"`
	GSTIN          string   `json:"gstin,omitempty" validate:"omitempty,len=15,alphanum"`
}

// OtherRegistrationForm covers registrations without a dedicated form (MSME, IEC, FSSAI and similar).
type OtherRegistrationForm struct {
	BusinessName     string `json:"businessName" validate:"required,max=200"`
	RegistrationType string `json:"registrationType" validate:"required,max=100"`
	State            string `json:"state,omitempty" validate:"omitempty,max=100"`
	Address          string `json:"address,omitempty" validate:"omitempty,max=500"`
}

// ROCForm requests a Registrar of Companies return.
type ROCForm struct {
	CompanyName   string `json:"companyName" validate:"required,max=200"`
	CIN           string `json:"cin" validate:"required,len=21,alphanum"`
	FinancialYear string `json:"financialYear" validate:"required,max=9"`
	FilingType    string `json:"filingType" validate:"required,oneof='Annual Return' 'Financial Statements' 'Event Based'"`
}

// ReportsForm requests a prepared report (audit, MIS, valuation).
type ReportsForm struct {
	ReportType  string `json:"reportType" validate:"required,max=100"`
	Period      string `json:"period" validate:"required,max=50"`
	CompanyName string `json:"companyName,omitempty" validate:"omitempty,max=200"`
	Notes       string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// TrademarkISOForm requests a trademark application or ISO certification.
type TrademarkISOForm struct {
	ApplicationType string `json:"applicationType" validate:"required,oneof=Trademark ISO"`
	BrandName       string `json:"brandName,omitempty" validate:"required_if=ApplicationType Trademark,max=200"`
	Classes         []int  `json:"classes,omitempty" validate:"omitempty,dive,min=1,max=45"`
	ISOStandard     string `json:"isoStandard,omitempty" validate:"required_if=ApplicationType ISO,max=50"`
	Description     string `json:"description,omitempty" validate:"omitempty,max=2000"`
}

// AdvisoryForm books an advisory consultation.
type AdvisoryForm struct {
	Topic         string `json:"topic" validate:"required,max=200"`
	Description   string `json:"description" validate:"required,max=4000"`
	PreferredDate string `json:"preferredDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Mode          string `json:"mode,omitempty" validate:"omitempty,oneof=Online 'In Person'"`
}

func (CompanyForm) FormType() models.FormType           { return models.FormTypeCompany }
func (TaxForm) FormType() models.FormType               { return models.FormTypeTax }
func (OtherRegistrationForm) FormType() models.FormType { return models.FormTypeOtherRegistration }
func (ROCForm) FormType() models.FormType               { return models.FormTypeROC }
func (ReportsForm) FormType() models.FormType           { return models.FormTypeReports }
func (TrademarkISOForm) FormType() models.FormType      { return models.FormTypeTrademarkISO }
func (AdvisoryForm) FormType() models.FormType          { return models.FormTypeAdvisory }
