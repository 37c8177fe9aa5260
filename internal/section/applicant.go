package section

import "github.com/polzovatel/residence-form-bot/internal/fields"

// Service types understood by the "Angaben" section.
const (
	ServiceExtend = "Extend a residence title"
	ServiceApply  = "Apply for a residence title"
)

// Applicant is the input for one fill. Values are typed into the page
// verbatim; the caller is responsible for their validity.
type Applicant struct {
	FirstName     string `yaml:"first_name"`
	LastName      string `yaml:"last_name"`
	Email         string `yaml:"email"`
	Birthdate     string `yaml:"birthdate"`
	PermitID      string `yaml:"permit_id"`
	PermitPresent bool   `yaml:"permit_present"`
	ServiceType   string `yaml:"service_type"`
}

// Layout holds the locators of the section's controls.
type Layout struct {
	FirstName         fields.Locator
	LastName          fields.Locator
	Birthdate         fields.Locator
	Email             fields.Locator
	PermitPresent     fields.Locator
	PermitID          fields.Locator
	PermitIDExtension fields.Locator
	Submit            fields.Locator
}

// DefaultLayout matches the personal-details step of the appointment wizard.
func DefaultLayout() Layout {
	return Layout{
		FirstName:         fields.Input("antragsteller_vname"),
		LastName:          fields.Input("antragsteller_nname"),
		Birthdate:         fields.Input("antragsteller_gebDatum"),
		Email:             fields.Input("emailAddress"),
		PermitPresent:     fields.Select("sel_aufenthaltstitelVorhanden"),
		PermitID:          fields.Input("aufenthaltstitelNummer"),
		PermitIDExtension: fields.Input("aufenthaltstitelNummerVerlaengerung"),
		Submit:            fields.ID("applicationForm:managedForm:proceed"),
	}
}
