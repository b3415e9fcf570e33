package handler

import (
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// RegisterValidators 向 gin 的校验器注册 solana_address
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("unexpected binding validator engine")
	}
	return v.RegisterValidation("solana_address", func(fl validator.FieldLevel) bool {
		_, err := solana.PublicKeyFromBase58(fl.Field().String())
		return err == nil
	})
}

// bindingMessage 把校验错误压成一行用户可读的信息
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "solana_address":
		return fe.Field() + " is not a valid Solana address"
	case "min":
		return fe.Field() + " must contain at least " + fe.Param() + " item(s)"
	}
	return fe.Field() + " is invalid"
}
