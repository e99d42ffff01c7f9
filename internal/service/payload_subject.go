package service

import (
	"strings"

	"github.com/noah-isme/service-portal-api/internal/forms"
)

// payloadSubject names what a submission is about, for notification subjects.
func payloadSubject(payload forms.Payload) string {
	var subject string
	switch p := payload.(type) {
	case *forms.CompanyForm:
		subject = p.CompanyName
	case *forms.TaxForm:
		subject = p.TaxType + " " + p.AssessmentYear
	case *forms.OtherRegistrationForm:
		subject = p.RegistrationType + " for " + p.BusinessName
	case *forms.ROCForm:
		subject = p.FilingType + " " + p.FinancialYear
	case *forms.ReportsForm:
		subject = p.ReportType + " " + p.Period
	case *forms.TrademarkISOForm:
		if p.ApplicationType == "ISO" {
			subject = "ISO " + p.ISOStandard
		} else {
			subject = "Trademark " + p.BrandName
		}
	case *forms.AdvisoryForm:
		subject = p.Topic
	}
	return strings.TrimSpace(subject)
}
