package notifier

import (
	"fmt"
	"strings"
)

// AlertContext carries everything a threshold alert mentions.
type AlertContext struct {
	HospitalName      string
	DepartmentName    string
	DoctorName        string
	ClinicRoom        string
	SessionDate       string
	SessionLabel      string
	CurrentNumber     int
	Remaining         int
	Threshold         int
	AppointmentNumber *int
}

// BuildAlert renders the notification message for one fired threshold.
func BuildAlert(alert AlertContext) Message {
	subject := fmt.Sprintf("⏰ 門診提醒：%s 醫師 – 還剩 %d 號！", alert.DoctorName, alert.Remaining)

	var b strings.Builder
	b.WriteString(`<html><body style="font-family: Arial, sans-serif; color: #333;">`)
	b.WriteString(`<div style="max-width:480px; margin:0 auto; padding:24px; border:1px solid #e0e0e0; border-radius:12px;">`)
	b.WriteString(`<h2 style="color:#1976D2;">🏥 門診進度提醒</h2>`)
	b.WriteString(`<table style="width:100%; border-collapse:collapse;">`)
	writeRow(&b, "醫院", alert.HospitalName)
	writeRow(&b, "醫師", alert.DoctorName)
	writeRow(&b, "科別", alert.DepartmentName)
	writeRow(&b, "日期", fmt.Sprintf("%s %s", alert.SessionDate, alert.SessionLabel))
	if alert.ClinicRoom != "" {
		writeRow(&b, "診間", alert.ClinicRoom)
	}
	writeRow(&b, "目前號碼", fmt.Sprintf(`<span style="font-size:24px; font-weight:bold; color:#E53935;">%d</span>`, alert.CurrentNumber))
	writeRow(&b, "距您還剩", fmt.Sprintf(`<span style="font-size:20px; font-weight:bold; color:#F57C00;">%d 號</span>`, alert.Remaining))
	if alert.AppointmentNumber != nil {
		writeRow(&b, "您的號碼", fmt.Sprintf("%d", *alert.AppointmentNumber))
	}
	b.WriteString(`</table>`)
	fmt.Fprintf(&b, `<p style="margin-top:20px; padding:12px; background:#FFF3E0; border-radius:8px; font-size:14px;">📍 您設定的提醒門檻為 <strong>前 %d 號</strong>，請儘快前往醫院候診！</p>`, alert.Threshold)
	b.WriteString(`<p style="font-size:12px; color:#aaa; margin-top:16px;">此為系統自動通知，請勿直接回覆。</p>`)
	b.WriteString(`</div></body></html>`)

	var t strings.Builder
	fmt.Fprintf(&t, "🏥 門診進度提醒\n%s %s\n", alert.HospitalName, alert.DepartmentName)
	fmt.Fprintf(&t, "%s 醫師 %s %s\n", alert.DoctorName, alert.SessionDate, alert.SessionLabel)
	fmt.Fprintf(&t, "目前號碼：%d，距您還剩 %d 號", alert.CurrentNumber, alert.Remaining)
	if alert.AppointmentNumber != nil {
		fmt.Fprintf(&t, "（您的號碼：%d）", *alert.AppointmentNumber)
	}
	fmt.Fprintf(&t, "\n提醒門檻：前 %d 號，請儘快前往候診。", alert.Threshold)

	return Message{
		Subject:  subject,
		HTMLBody: b.String(),
		Text:     t.String(),
	}
}

func writeRow(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, `<tr><td style="padding:6px 0; color:#666;">%s</td><td style="padding:6px 0; font-weight:bold;">%s</td></tr>`, label, value)
}
